package imei

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "valid", raw: "490154203237518", want: "490154203237518"},
		{name: "valid with separators", raw: "49-015420-323751-8", want: "490154203237518"},
		{name: "valid with spaces", raw: " 490154 203237 518 ", want: "490154203237518"},
		{name: "checksum mismatch", raw: "490154203237519", wantErr: ErrChecksum},
		{name: "too short", raw: "12345", wantErr: ErrLength},
		{name: "too long", raw: "4901542032375181", wantErr: ErrLength},
		{name: "empty", raw: "", wantErr: ErrLength},
		{name: "letters only", raw: "not-an-imei", wantErr: ErrLength},
		{name: "fourteen digits", raw: "49015420323751", wantErr: ErrLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateAllCheckDigits(t *testing.T) {
	// Exactly one check digit satisfies the Luhn formula for a given prefix.
	prefix := "49015420323751"
	valid := 0
	for d := byte('0'); d <= '9'; d++ {
		if _, err := Validate(prefix + string(d)); err == nil {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
}
