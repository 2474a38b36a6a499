// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// exitCoder is satisfied by errors that carry a specific process exit
// code, such as conderr.Error. Checked via interface assertion rather
// than a named import to keep this package dependency-free.
type exitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. If err implements
// exitCoder, its code is used; otherwise it exits 1. Use this in main()
// for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	code := 1
	if coder, ok := err.(exitCoder); ok {
		code = coder.ExitCode()
	}
	os.Exit(code)
}
