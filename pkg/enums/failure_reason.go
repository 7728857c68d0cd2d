package enums

import "fmt"

// FailureReason classifies why a submission job reached the failure audit table.
type FailureReason string

const (
	FailureReasonMaxAttempts    FailureReason = "max_attempts"
	FailureReasonNonRetryable   FailureReason = "non_retryable"
	FailureReasonInvalidPayload FailureReason = "invalid_payload"
)

var validFailureReasons = []FailureReason{
	FailureReasonMaxAttempts,
	FailureReasonNonRetryable,
	FailureReasonInvalidPayload,
}

// IsValid reports whether the value is a known failure reason.
func (r FailureReason) IsValid() bool {
	for _, candidate := range validFailureReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseFailureReason converts raw input into FailureReason.
func ParseFailureReason(value string) (FailureReason, error) {
	for _, candidate := range validFailureReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid failure reason %q", value)
}
