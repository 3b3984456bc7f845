package checker

import "fmt"

// FailureKind classifies provider failures. Each kind is distinct from the
// business-level "not found" outcome, which is a successful lookup.
type FailureKind string

const (
	// FailTimeout marks requests that exceeded the configured deadline.
	FailTimeout FailureKind = "timeout"
	// FailRateLimited marks HTTP 429 responses from the provider.
	FailRateLimited FailureKind = "rate_limited"
	// FailAuth marks rejected API credentials.
	FailAuth FailureKind = "auth_failure"
	// FailUnreachable marks connection-level failures and provider 5xx.
	FailUnreachable FailureKind = "unreachable"
	// FailMalformed marks responses that do not match the provider contract.
	FailMalformed FailureKind = "malformed_response"
)

// ProviderError is a classified failure of the external lookup provider.
type ProviderError struct {
	Kind  FailureKind
	cause error
}

func (e *ProviderError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("provider %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("provider %s", e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *ProviderError) Unwrap() error { return e.cause }

// Retryable reports whether the failure is transient enough to retry.
// Auth failures and rate limiting are deliberate provider decisions and are
// never retried.
func (e *ProviderError) Retryable() bool {
	return e.Kind == FailTimeout || e.Kind == FailUnreachable
}

func failure(kind FailureKind, cause error) *ProviderError {
	return &ProviderError{Kind: kind, cause: cause}
}
