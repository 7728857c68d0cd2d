package errors

import (
	stdErrors "errors"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeSignature, status: http.StatusBadRequest, publicMsg: "signature verification failed"},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeCircuitOpen, status: http.StatusServiceUnavailable, publicMsg: "downstream temporarily suspended", detailsOK: true},
		{code: CodeLedgerPermanent, status: http.StatusUnprocessableEntity, publicMsg: "ledger rejected submission", detailsOK: true},
		{code: CodeCacheUnavailable, status: http.StatusServiceUnavailable, publicMsg: "cache unavailable", retryable: true, detailsOK: true},
		{code: CodeQueueUnavailable, status: http.StatusServiceUnavailable, publicMsg: "queue unavailable", retryable: true, detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing field")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing field" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	withDetails := base.WithDetails(map[string]string{"field": "eventType"})
	if withDetails.Details() == nil {
		t.Fatalf("expected details to be attached")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeDependency, cause, "ledger call failed")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("wrapped error should unwrap to its cause")
	}
	if wrapped.Error() != "DEPENDENCY_ERROR: ledger call failed" {
		t.Fatalf("unexpected error string %q", wrapped.Error())
	}

	if Wrap(CodeDependency, nil, "no cause").Unwrap() != nil {
		t.Fatalf("wrap without cause should have nil unwrap")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(CodeDependency, "transient")) {
		t.Fatalf("dependency errors should be retryable")
	}
	if Retryable(New(CodeLedgerPermanent, "rejected")) {
		t.Fatalf("permanent ledger errors must not be retryable")
	}
	if Retryable(stdErrors.New("plain")) {
		t.Fatalf("uncoded errors default to not retryable")
	}
	if Retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
}

func TestHasCode(t *testing.T) {
	err := Wrap(CodeCircuitOpen, stdErrors.New("inner"), "suspended")
	if !HasCode(err, CodeCircuitOpen) {
		t.Fatalf("expected circuit open code")
	}
	if HasCode(err, CodeValidation) {
		t.Fatalf("unexpected validation code match")
	}
	if HasCode(nil, CodeValidation) {
		t.Fatalf("nil error has no code")
	}
}

func TestAsReturnsNilForForeignErrors(t *testing.T) {
	if As(stdErrors.New("foreign")) != nil {
		t.Fatalf("expected nil for foreign error")
	}
	if As(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
