// Package imei normalizes and checksum-validates device identifiers.
package imei

import (
	"errors"
	"strings"
)

// Length is the canonical IMEI length in digits.
const Length = 15

var (
	// ErrLength is returned when the normalized input is not exactly 15 digits.
	ErrLength = errors.New("imei: must be exactly 15 digits")
	// ErrChecksum is returned when the Luhn check digit does not match.
	ErrChecksum = errors.New("imei: check digit mismatch")
)

// Validate strips non-digit characters from raw and verifies the result is a
// well-formed 15-digit IMEI whose Luhn check digit matches. It returns the
// normalized digit string. Validate is pure and performs no I/O.
func Validate(raw string) (string, error) {
	clean := normalize(raw)
	if len(clean) != Length {
		return "", ErrLength
	}
	if !luhnValid(clean) {
		return "", ErrChecksum
	}
	return clean, nil
}

func normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid applies the Luhn algorithm over all 15 digits: from the right,
// every second digit is doubled with digit-sum folding over 9, and the total
// must be divisible by 10.
func luhnValid(digits string) bool {
	total := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			n *= 2
			if n > 9 {
				n = n/10 + n%10
			}
		}
		total += n
	}
	return total%10 == 0
}
