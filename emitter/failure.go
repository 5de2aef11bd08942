package emitter

import (
	"errors"
	"fmt"

	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/photo"
	"github.com/tuzkov/habitCam/recorder"
)

type FailureKind string

const (
	KindDevice   FailureKind = "device"
	KindRecorder FailureKind = "recorder"
	KindFrame    FailureKind = "frame"
	KindStorage  FailureKind = "storage"
	KindRejected FailureKind = "rejected"
	KindInternal FailureKind = "internal"
)

// StorageError wraps a Sink failure.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Failure is what the UI shows. Code is the kind-specific reason, e.g.
// PermissionDenied for a device failure.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s/%s: %s", f.Kind, f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure classifies err. Unknown errors become internal failures.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var already *Failure
	if errors.As(err, &already) {
		return already
	}

	var (
		de *device.DeviceError
		re *recorder.RecorderError
		fe *photo.FrameError
		se *StorageError
	)
	switch {
	case errors.As(err, &de):
		msg := "Camera is not available."
		switch de.Kind {
		case device.PermissionDenied:
			msg = "Unable to access camera/microphone. Please ensure you have granted permission."
		case device.Busy:
			msg = "Camera is in use by another application."
		}
		return &Failure{Kind: KindDevice, Code: string(de.Kind), Message: msg, Err: err}
	case errors.As(err, &re):
		return &Failure{Kind: KindRecorder, Code: string(re.Kind), Message: "Recording is not available.", Err: err}
	case errors.As(err, &fe):
		return &Failure{Kind: KindFrame, Code: string(fe.Kind), Message: "Camera is not ready yet, try again.", Err: err}
	case errors.As(err, &se):
		return &Failure{Kind: KindStorage, Code: "StoreFailed", Message: "Failed to save the capture.", Err: err}
	case errors.Is(err, ErrNoArtifact):
		return &Failure{Kind: KindRejected, Code: "NoArtifact", Message: "Nothing to save.", Err: err}
	}
	return &Failure{Kind: KindInternal, Code: "Internal", Message: err.Error(), Err: err}
}

// Rejected builds a failure for an operation refused in the current state.
func Rejected(code string, err error) *Failure {
	return &Failure{Kind: KindRejected, Code: code, Message: err.Error(), Err: err}
}
