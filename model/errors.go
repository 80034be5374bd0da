package model

import (
	"errors"
	"fmt"
)

// ErrPackageNotFound is returned when a package id or name has no stored state.
var ErrPackageNotFound = errors.New("package not found")

// MissingFieldError reports a required field absent from an upstream response, a
// configuration entry or a queue message.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field '%s' is missing", e.Field)
}

// FetchError is a failure to read the upstream state of a single package.
type FetchError struct {
	Package string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %s", e.Package, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProtocolError is a delivery that could not be decoded.
type ProtocolError struct {
	Queue string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed message on %s: %s", e.Queue, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ContainerError is an orchestration failure for which no exit code is available.
type ContainerError struct {
	Op  string
	Err error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %s: %s", e.Op, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }
