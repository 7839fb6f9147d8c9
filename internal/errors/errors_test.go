package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAttributesDriveDefaults(t *testing.T) {
	cases := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodePrecondition, http.StatusBadRequest, false},
		{CodeSubmission, http.StatusBadGateway, true},
		{CodeReverted, http.StatusUnprocessableEntity, false},
		{CodeExternalService, http.StatusBadGateway, true},
		{CodeTimeout, http.StatusGatewayTimeout, false},
		{Code("NOT_REGISTERED"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if got := HTTPStatus(err); got != tc.status {
			t.Fatalf("%s: unexpected status %d want %d", tc.code, got, tc.status)
		}
		if got := RetryableError(err); got != tc.retryable {
			t.Fatalf("%s: unexpected retryable %v", tc.code, got)
		}
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeSubmission, "nonce too low",
		WithRetryable(false),
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithMetadata("tx_type", "airdrop"))
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: %+v", err)
	}
	if err.Metadata()["tx_type"] != "airdrop" {
		t.Fatalf("metadata not recorded")
	}
}

func TestWrapKeepsCauseAndMessage(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeExternalService, cause, "deployer unavailable")
	outer := fmt.Errorf("deploy mining: %w", err)

	if !stdErrors.Is(outer, cause) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if CodeOf(outer) != CodeExternalService {
		t.Fatalf("unexpected code %s", CodeOf(outer))
	}
	if got := MessageOf(outer); got != "deployer unavailable: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !stdErrors.Is(outer, New(CodeExternalService, "other")) {
		t.Fatalf("errors with the same code should match")
	}
}

func TestPlainErrors(t *testing.T) {
	err := stdErrors.New("boom")
	if CodeOf(err) != CodeUnknown || HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if RetryableError(err) || MessageOf(err) != "boom" {
		t.Fatalf("unexpected plain error handling")
	}
	if HTTPStatus(nil) != http.StatusOK || MessageOf(nil) != "" {
		t.Fatalf("nil error handling changed")
	}
}

func TestRegister(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Retryable: true})
	if AttributesOf(code).HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("missing status should default to 500")
	}
	if New(code, "").Message() != "registered" {
		t.Fatalf("default message not used")
	}
	if !RetryableError(New(code, "")) {
		t.Fatalf("registered retryable flag not used")
	}
}
