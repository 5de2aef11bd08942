package device

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

type ErrorKind string

const (
	PermissionDenied ErrorKind = "PermissionDenied"
	NotFound         ErrorKind = "NotFound"
	Busy             ErrorKind = "Busy"
)

// DeviceError is returned when a stream cannot be acquired or is lost.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrPermissionDenied = &DeviceError{Kind: PermissionDenied}
	ErrNotFound         = &DeviceError{Kind: NotFound}
	ErrBusy             = &DeviceError{Kind: Busy}

	ErrClosed = errors.New("device manager closed")
)

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device error: %s", e.Kind)
	}
	return fmt.Sprintf("device error: %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is matches any DeviceError of the same kind, so callers can test against
// the sentinels.
func (e *DeviceError) Is(target error) bool {
	var t *DeviceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, err error) *DeviceError {
	return &DeviceError{Kind: kind, Err: err}
}

// classify maps backend failures onto the DeviceError taxonomy. Errors that
// carry no recognisable cause are reported as NotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}

	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), errors.Is(err, fs.ErrPermission):
		return newError(PermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return newError(Busy, err)
	default:
		return newError(NotFound, err)
	}
}
