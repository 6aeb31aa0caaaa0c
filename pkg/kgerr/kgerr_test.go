package kgerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout", Timeout("grounding", context.DeadlineExceeded), "timeout"},
		{"service", Service("llm unavailable", true, nil), "expected"},
		{"not found", NotFound("no cached result"), "expected"},
		{"validation", Validation("malformed graph", nil), "defect"},
		{"cancelled", context.Canceled, "interrupted"},
		{"wrapped cancelled", fmt.Errorf("extraction stopped: %w", context.Canceled), "interrupted"},
		{"bare deadline", context.DeadlineExceeded, "timeout"},
		{"unclassified", errors.New("boom"), "unknown"},
		{"wrapped classified", fmt.Errorf("stage failed: %w", Timeout("chunking", nil)), "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeOf(tt.err); got != tt.want {
				t.Errorf("TypeOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable service", Service("rate limited", true, nil), true},
		{"permanent service", Service("invalid api key", false, nil), false},
		{"timeout", Timeout("grounding", nil), false},
		{"unclassified", errors.New("boom"), false},
		{"wrapped retryable", fmt.Errorf("call failed: %w", Service("rate limited", true, nil)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
