// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package conderr

import (
	"errors"
	"testing"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInternal, 1},
		{CodePolicyDenied, 2},
		{CodeSandboxUnavailable, 3},
		{CodeTimeout, 4},
		{CodeAssertionFailed, 5},
		{CodeProcessExit, 6},
		{CodeTerminalParse, 7},
		{CodeProtocolVersion, 8},
		{CodeProtocol, 9},
		{CodeIO, 10},
		{CodeReplayMismatch, 11},
		{CodeInvalidArgument, 12},
	}

	for _, test := range tests {
		err := New(test.code, "boom")
		if got := err.ExitCode(); got != test.want {
			t.Errorf("%s: ExitCode() = %d, want %d", test.code, got, test.want)
		}
	}
}

func TestWithContextDoesNotMutateOriginal(t *testing.T) {
	base := New(CodePolicyDenied, "denied")
	decorated := base.WithContext("path", "/etc")

	if len(base.Context) != 0 {
		t.Error("WithContext mutated the receiver's context")
	}
	if decorated.Context["path"] != "/etc" {
		t.Error("WithContext did not attach the key")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying io failure")
	err := New(CodeIO, "read failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestAsFindsCodeThroughWrapping(t *testing.T) {
	inner := New(CodeTimeout, "budget exceeded")
	outer := New(CodeInternal, "run aborted").WithCause(inner)

	if !As(outer, CodeTimeout) {
		t.Error("As should find CodeTimeout through the wrapped cause chain")
	}
	if As(outer, CodeAssertionFailed) {
		t.Error("As should not match an absent code")
	}
}
