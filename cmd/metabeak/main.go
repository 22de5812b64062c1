// Command metabeak runs the Pardalotus Metabeak service: registering
// handler functions, harvesting metadata, deriving events and executing
// handlers against them.
package main

import (
	"errors"
	"fmt"
	"os"
)

// exitError carries a process exit code through the command plumbing.
// Code 1 is a startup failure (flags, configuration, database setup);
// code 2 is an unrecoverable error after startup succeeded.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupErr(err error) error { return &exitError{code: 1, err: err} }
func runtimeErr(err error) error { return &exitError{code: 2, err: err} }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "error:", ee.err)
			os.Exit(ee.code)
		}
		// Cobra's own errors (unknown flags etc) are startup failures.
		os.Exit(1)
	}
}
