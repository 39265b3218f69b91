package ctlerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := New(CodeNotFound, "activate", "Tracing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is NotFound, got %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("NotFound must not match Conflict")
	}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("wrapped error lost its code")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("CodeOf = %q", CodeOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeInternal, "download", "/tmp/a", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable via Unwrap")
	}
	if !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), "/tmp/a") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Wrap(CodeInternal, "x", "y", nil) != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
}

func TestCodeOfUncoded(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatalf("nil error must have empty code")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatalf("plain errors are internal")
	}
}

func TestWireAndHTTPMapping(t *testing.T) {
	cases := []struct {
		err    error
		wire   int
		status int
	}{
		{ErrNotFound, -32001, http.StatusNotFound},
		{ErrAlreadyActive, -32003, http.StatusConflict},
		{ErrInvalidArgument, -32602, http.StatusBadRequest},
		{ErrNotSupported, -32601, http.StatusNotImplemented},
		{ErrForbidden, -32007, http.StatusForbidden},
		{New(CodeUnauthenticated, "login", "bob"), -32006, http.StatusUnauthorized},
		{errors.New("x"), -32603, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := WireCode(c.err); got != c.wire {
			t.Errorf("WireCode(%v) = %d, want %d", c.err, got, c.wire)
		}
		if got := HTTPStatus(c.err); got != c.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.status)
		}
	}
}
