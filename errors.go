package sfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is the error type returned by every fallible operation in this
// library. Use errors.Is with the Err* sentinels below to branch on the kind
// of failure; use WithMessage/Wrap to add context without losing the chain.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseSFSError string

const rootError = baseSFSError("")

var ErrBlockFull = rootError.WithMessage("No room left in block")
var ErrCorruptSuperblock = rootError.WithMessage("Superblock is corrupted")
var ErrExists = rootError.WithMessage("File exists")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrInvalidFree = rootError.WithMessage("Block is already free or reserved")
var ErrInvalidOperation = rootError.WithMessage("Operation not permitted")
var ErrIsADirectory = rootError.WithMessage("Is a directory")
var ErrNameTooLong = rootError.WithMessage("File name too long")
var ErrNotADirectory = rootError.WithMessage("Not a directory")
var ErrNotFound = rootError.WithMessage("No such file or directory")
var ErrOutOfRange = rootError.WithMessage("Block index out of range")
var ErrOutOfSpace = rootError.WithMessage("No space left on device")
var ErrTooManyLinks = rootError.WithMessage("Too many links")

func (e baseSFSError) Error() string {
	return string(e)
}

func (e baseSFSError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e baseSFSError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}
