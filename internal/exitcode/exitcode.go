// Package exitcode defines the stable process exit codes of powerd and an
// error type that carries one up to main.
package exitcode

import (
	"errors"
	"fmt"
)

type Code int

const (
	OK           Code = iota // regular termination
	ECLARG                   // unexpected command line argument
	EOUTOFRANGE              // a user provided value is out of range
	ELOAD                    // not a valid load
	EFREQ                    // not a valid frequency
	EMODE                    // not a valid mode
	EIVAL                    // not a valid interval
	ESAMPLES                 // not a valid sample count
	ESYSCTL                  // a sysctl operation failed
	ENOFREQ                  // no core supports frequency changes
	ECONFLICT                // another frequency daemon is running
	EPID                     // the pidfile could not be created
	EFORBIDDEN               // insufficient privileges to change a sysctl
	EDAEMON                  // unable to detach from the terminal
	EWOPEN                   // could not open a file for writing
	ESIGNAL                  // failed to install a signal handler
	ERANGEFMT                // a range is missing its separator
	ETEMPERATURE             // not a valid temperature
	EEXCEPT                  // untreated failure
	EFILE                    // not a valid file name
)

var names = [...]string{
	"OK", "ECLARG", "EOUTOFRANGE", "ELOAD", "EFREQ", "EMODE", "EIVAL",
	"ESAMPLES", "ESYSCTL", "ENOFREQ", "ECONFLICT", "EPID", "EFORBIDDEN",
	"EDAEMON", "EWOPEN", "ESIGNAL", "ERANGEFMT", "ETEMPERATURE",
	"EEXCEPT", "EFILE",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(names) {
		return fmt.Sprintf("E%d", int(c))
	}
	return names[c]
}

// Error is a fatal error bound to the exit code the process terminates
// with.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("(%s) %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap binds err to code. A nil err stays nil. An err that already
// carries a code keeps it.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return &Error{Code: code, Err: err}
}

// Errorf formats a new error bound to code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Of returns the exit code carried by err: OK for nil, EEXCEPT for errors
// that carry no code.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return EEXCEPT
}
