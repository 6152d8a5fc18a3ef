// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	wferrors "github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *wferrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &wferrors.ValidationError{
				Field:      "timeoutMs",
				Message:    "must be positive",
				Suggestion: "set a value greater than zero",
			},
			wantMsg: "validation failed on timeoutMs: must be positive",
		},
		{
			name: "without field",
			err: &wferrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *wferrors.NotFoundError
		wantMsg string
	}{
		{
			name: "run not found",
			err: &wferrors.NotFoundError{
				Resource: "run",
				ID:       "run-123",
			},
			wantMsg: "run not found: run-123",
		},
		{
			name: "job not found",
			err: &wferrors.NotFoundError{
				Resource: "job",
				ID:       "run-123:build",
			},
			wantMsg: "job not found: run-123:build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *wferrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &wferrors.ConfigError{
				Key:    "leaseTtlMs",
				Reason: "must be greater than heartbeatIntervalMs*2",
			},
			wantMsg: "config error at leaseTtlMs: must be greater than heartbeatIntervalMs*2",
		},
		{
			name: "without key",
			err: &wferrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &wferrors.ConfigError{
		Key:    "config",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *wferrors.TimeoutError
		want    []string
		notWant []string
	}{
		{
			name: "job timeout",
			err: &wferrors.TimeoutError{
				Operation: "job execution",
				Duration:  30 * time.Second,
			},
			want:    []string{"job execution", "30s"},
			notWant: []string{},
		},
		{
			name: "step timeout",
			err: &wferrors.TimeoutError{
				Operation: "step execution",
				Duration:  2 * time.Minute,
			},
			want:    []string{"step execution", "2m0s"},
			notWant: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("TimeoutError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &wferrors.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestWorkflowError(t *testing.T) {
	t.Run("formats code and message", func(t *testing.T) {
		err := &wferrors.WorkflowError{Code: wferrors.CodeJobTimeout, Message: "job exceeded its deadline"}
		if got, want := err.Error(), "JOB_TIMEOUT: job exceeded its deadline"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
		if err.ErrorType() != wferrors.CodeJobTimeout {
			t.Errorf("ErrorType() = %q, want %q", err.ErrorType(), wferrors.CodeJobTimeout)
		}
	})

	t.Run("unwraps to cause", func(t *testing.T) {
		cause := errors.New("sleep interrupted")
		err := &wferrors.WorkflowError{Code: wferrors.CodeStepFailed, Message: "step failed", Cause: cause}
		if !errors.Is(err, cause) {
			t.Error("errors.Is should find the wrapped cause")
		}
	})
}

func TestConcurrencyBusyError(t *testing.T) {
	err := &wferrors.ConcurrencyBusyError{Group: "deploy", HolderID: "run-1"}
	want := `concurrency group "deploy" is held by run run-1`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.IsRetryable() {
		t.Error("ConcurrencyBusyError should not be retryable")
	}
}

func TestWorkflowDepthExceededError(t *testing.T) {
	err := &wferrors.WorkflowDepthExceededError{Depth: 3, Max: 2}
	want := "workflow depth 3 exceeds maximum 2"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInvalidIfExpressionError(t *testing.T) {
	cause := errors.New("unexpected token")
	err := &wferrors.InvalidIfExpressionError{Expression: "steps.a.outputs.x ==", Cause: cause}
	if !strings.Contains(err.Error(), "steps.a.outputs.x ==") {
		t.Errorf("Error() = %q, want expression included", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find wrapped cause")
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &wferrors.ValidationError{
			Field:   "email",
			Message: "invalid format",
		}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *wferrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &wferrors.NotFoundError{
			Resource: "run",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading run: %w", original)

		var target *wferrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "run" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "run")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &wferrors.ConfigError{
			Key:    "redis_addr",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *wferrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &wferrors.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *wferrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &wferrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &wferrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
