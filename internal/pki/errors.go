package pki

import (
	"errors"
	"fmt"
)

// Kind classifies issuance failures.
type Kind string

const (
	KindInvalidInput    Kind = "InvalidInput"
	KindFileConflict    Kind = "FileConflict"
	KindCryptoFailure   Kind = "CryptoFailure"
	KindFilesystemError Kind = "FilesystemError"
)

// Sentinel errors, one per Kind. Use errors.Is to test an issuance error.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrFileConflict  = errors.New("file conflict")
	ErrCryptoFailure = errors.New("crypto failure")
	ErrFilesystem    = errors.New("filesystem error")
)

// Error is returned by Issue and the authority loader.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	var pkiErr *Error
	if !errors.As(err, &pkiErr) {
		return 1
	}

	switch pkiErr.Kind {
	case KindInvalidInput:
		return 2
	case KindFileConflict:
		return 3
	case KindCryptoFailure:
		return 4
	case KindFilesystemError:
		return 5
	default:
		return 1
	}
}

func sentinel(kind Kind) error {
	switch kind {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindFileConflict:
		return ErrFileConflict
	case KindCryptoFailure:
		return ErrCryptoFailure
	case KindFilesystemError:
		return ErrFilesystem
	default:
		return nil
	}
}

func invalidInput(op string, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

func cryptoFailure(op string, err error) error {
	return &Error{Kind: KindCryptoFailure, Op: op, Err: err}
}

func filesystemError(op string, err error) error {
	return &Error{Kind: KindFilesystemError, Op: op, Err: err}
}
