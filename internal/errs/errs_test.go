package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status   int
		notFound bool
		network  bool
	}{
		{status: http.StatusNotFound, notFound: true},
		{status: http.StatusGone, notFound: true},
		{status: http.StatusInternalServerError, network: true},
		{status: http.StatusBadRequest, network: true},
		{status: http.StatusUnauthorized, network: true},
	}

	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", &HTTPError{Op: "list chats", Status: tt.status})
		if got := errors.Is(err, ErrNotFound); got != tt.notFound {
			t.Fatalf("status %d: expected not found %v, got %v", tt.status, tt.notFound, got)
		}
		if got := errors.Is(err, ErrNetwork); got != tt.network {
			t.Fatalf("status %d: expected network %v, got %v", tt.status, tt.network, got)
		}
	}
}

func TestUserMessagePrefersServerMessage(t *testing.T) {
	err := &HTTPError{Op: "create chat", Status: http.StatusBadRequest, Message: "Editor not found"}
	if got := UserMessage(err); got != "Editor not found" {
		t.Fatalf("expected server message, got %q", got)
	}

	if got := UserMessage(Validationf("title is required")); got != "validation failed: title is required" {
		t.Fatalf("unexpected validation message %q", got)
	}

	if got := UserMessage(nil); got != "" {
		t.Fatalf("expected empty message for nil error, got %q", got)
	}
}
