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
	"testing"

	wferrors "github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

func TestIsRetryableCode(t *testing.T) {
	nonRetryable := []string{
		wferrors.CodeStepSpecNotFound,
		wferrors.CodeUnsupportedStep,
		wferrors.CodeInvalidStep,
		wferrors.CodeApprovalTimeout,
		wferrors.CodeApprovalRejected,
		wferrors.CodeInvalidIfExpression,
	}
	for _, code := range nonRetryable {
		if wferrors.IsRetryableCode(code) {
			t.Errorf("IsRetryableCode(%q) = true, want false", code)
		}
	}

	retryable := []string{
		wferrors.CodeJobTimeout,
		wferrors.CodeStepTimeout,
		wferrors.CodeStepFailed,
		wferrors.CodeStepExecutionFailed,
		wferrors.CodeStepExecutionCrashed,
		"",
		"SOME_UNKNOWN_CODE",
	}
	for _, code := range retryable {
		if !wferrors.IsRetryableCode(code) {
			t.Errorf("IsRetryableCode(%q) = false, want true", code)
		}
	}
}
