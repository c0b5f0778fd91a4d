package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("bad"), http.StatusBadRequest},
		{"not found", NotFound("missing"), http.StatusNotFound},
		{"upstream", Upstream(errors.New("boom"), "upstream failed"), http.StatusBadGateway},
		{"wrapped", fmt.Errorf("ctx: %w", NotFound("missing")), http.StatusNotFound},
		{"plain", errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageOfSurfacesUpstreamReason(t *testing.T) {
	err := Upstream(errors.New("connection refused"), "tool backend unreachable")
	got := MessageOf(err)
	if got != "tool backend unreachable: connection refused" {
		t.Fatalf("unexpected message: %q", got)
	}

	if got := MessageOf(Validation("message is required")); got != "message is required" {
		t.Fatalf("unexpected validation message: %q", got)
	}
	if got := MessageOf(errors.New("secret detail")); got != SystemErrorMessage {
		t.Fatalf("internal errors must not leak, got %q", got)
	}
}

func TestSentinelMatching(t *testing.T) {
	sentinel := NotFound("thread not found")
	wrapped := fmt.Errorf("lookup: %w", sentinel)
	if !errors.Is(wrapped, sentinel) {
		t.Fatal("expected wrapped sentinel to match")
	}
	if errors.Is(wrapped, NotFound("thread not found")) {
		t.Fatal("distinct AppError values must not match")
	}
}
