package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"wrapped not found", fmt.Errorf("read file: %w", NotFound), NotFound},
		{"errorf rejected", Errorf(Rejected, "path %q escapes root", "../x"), Rejected},
		{"wrap exhausted", Wrap(Exhausted, errors.New("no free port")), Exhausted},
		{"deadline", fmt.Errorf("stats: %w", context.DeadlineExceeded), Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Errorf("Of() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(Errorf(NotFound, "panel p1")); got != http.StatusNotFound {
		t.Errorf("not found status = %d", got)
	}
	if got := HTTPStatus(Errorf(Exhausted, "ports")); got != http.StatusServiceUnavailable {
		t.Errorf("exhausted status = %d", got)
	}
	if got := HTTPStatus(errors.New("other")); got != http.StatusInternalServerError {
		t.Errorf("default status = %d", got)
	}
}

func TestWrapKeepsMessage(t *testing.T) {
	err := Wrap(Upstream, errors.New("docker ping failed"))
	if !errors.Is(err, Upstream) {
		t.Fatal("expected Upstream kind")
	}
	if got := err.Error(); got != "docker ping failed: upstream failure" {
		t.Errorf("message = %q", got)
	}
	if Wrap(Upstream, nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
