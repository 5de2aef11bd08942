// Package recorder turns a live stream into one video artifact through an
// encoding Backend that can be paused and resumed.
package recorder

import (
	"errors"
	"fmt"

	"github.com/tuzkov/habitCam/device"
)

type State string

const (
	Idle      State = "idle"
	Recording State = "recording"
	Paused    State = "paused"
	Stopped   State = "stopped"
)

type Codec string

const (
	CodecVP8 Codec = "vp8"
	CodecVP9 Codec = "vp9"

	DefaultCodec = CodecVP8
)

type Options struct {
	// BitrateCeiling in bits per second, zero leaves the encoder default.
	BitrateCeiling int
	// Codec is the preferred codec. It falls back to DefaultCodec when the
	// backend cannot encode it.
	Codec Codec
}

type ErrorKind string

const (
	UnsupportedCodec ErrorKind = "UnsupportedCodec"
	Unavailable      ErrorKind = "Unavailable"
)

type RecorderError struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrUnsupportedCodec = &RecorderError{Kind: UnsupportedCodec}
	ErrUnavailable      = &RecorderError{Kind: Unavailable}

	ErrInvalidState = errors.New("recorder is not idle")
	ErrNotStarted   = errors.New("recorder was not started")
	ErrDiscarded    = errors.New("recording discarded while finishing")
)

func (e *RecorderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("recorder error: %s", e.Kind)
	}
	return fmt.Sprintf("recorder error: %s: %v", e.Kind, e.Err)
}

func (e *RecorderError) Unwrap() error {
	return e.Err
}

func (e *RecorderError) Is(target error) bool {
	var t *RecorderError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Backend starts encoders.
type Backend interface {
	// Start begins encoding s with opts.Codec, which is always set. It returns
	// an error matching ErrUnsupportedCodec when the codec is not available.
	// ready is called, from any goroutine, whenever new output can be drained.
	Start(s device.Stream, opts Options, ready func()) (Encoder, error)
}

// Encoder is one running encode. Methods are called from the loop only.
type Encoder interface {
	// Pause stops consuming frames. Output produced while paused is held
	// until Resume.
	Pause() error
	Resume() error
	// Drain returns output produced since the previous call, in order.
	Drain() []byte
	// Stop finalises the container and returns the output not yet drained.
	Stop() ([]byte, error)
	// Abort ends the encode and drops its output.
	Abort()
}
