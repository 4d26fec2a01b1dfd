package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidInput:       http.StatusBadRequest,
		KindUnauthorized:       http.StatusUnauthorized,
		KindNotFound:           http.StatusNotFound,
		KindConflict:           http.StatusConflict,
		KindServiceUnavailable: http.StatusServiceUnavailable,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s: got %d want %d", kind, got, want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, cause, "while doing thing")

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if got := err.Error(); got != "while doing thing: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestToResponseDefaultsUnknownErrors(t *testing.T) {
	status, resp := ToResponse(errors.New("plain"))
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if resp.Error != string(KindInternal) {
		t.Fatalf("expected internal_error kind, got %s", resp.Error)
	}
}

func TestToResponseUsesKind(t *testing.T) {
	status, resp := ToResponse(NotFound("environment %s not found", "abc"))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Message != "environment abc not found" {
		t.Fatalf("unexpected message: %s", resp.Message)
	}
}

func TestRetryableMarker(t *testing.T) {
	err := Retryable(ServiceUnavailable("control plane timed out"))
	if !err.Retryable {
		t.Fatalf("expected Retryable to set the flag")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("x")) != KindInternal {
		t.Fatalf("expected default kind internal_error")
	}
}
