// Package photo takes single JPEG stills from a live stream.
package photo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/eventloop"
)

const Quality = 80

type FrameErrorKind string

const StreamNotReady FrameErrorKind = "StreamNotReady"

type FrameError struct {
	Kind FrameErrorKind
	Err  error
}

var ErrStreamNotReady = &FrameError{Kind: StreamNotReady}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("frame error: %s", e.Kind)
	}
	return fmt.Sprintf("frame error: %s: %v", e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func (e *FrameError) Is(target error) bool {
	var t *FrameError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

type Capturer struct {
	log   *slog.Logger
	clock eventloop.Clock
}

func NewCapturer(log *slog.Logger, clock eventloop.Clock) *Capturer {
	if log == nil {
		log = slog.Default()
	}
	return &Capturer{
		log:   log.With("svc", "photo"),
		clock: clock,
	}
}

// Capture grabs the latest frame of s as one still. It does not retry: a
// stream without a decoded frame, or a released one, yields StreamNotReady.
func (c *Capturer) Capture(s device.Stream) (*artifact.Artifact, error) {
	if s == nil {
		return nil, &FrameError{Kind: StreamNotReady, Err: errors.New("no stream")}
	}
	frame, ok := s.LatestFrame()
	if !ok {
		return nil, &FrameError{Kind: StreamNotReady, Err: fmt.Errorf("stream %s has no frame yet", s.ID())}
	}

	img, err := Encode(frame)
	if err != nil {
		return nil, err
	}
	c.log.Debug("still captured", "stream", s.ID(), "bytes", len(img), "width", frame.Width, "height", frame.Height)

	return artifact.NewStill(img, c.clock.Now()), nil
}

// Encode turns a raw frame into JPEG bytes. MJPEG frames are checked and
// passed through untouched.
func Encode(frame device.Frame) ([]byte, error) {
	switch frame.Format {
	case device.FormatMJPEG:
		if _, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data)); err != nil {
			return nil, &FrameError{Kind: StreamNotReady, Err: fmt.Errorf("fail to decode mjpeg frame: %w", err)}
		}
		return frame.Data, nil
	case device.FormatYUYV:
		return encodeYUYV(frame)
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", frame.Format)
	}
}

func encodeYUYV(frame device.Frame) ([]byte, error) {
	if frame.Width <= 0 || frame.Height <= 0 || frame.Width%2 != 0 || len(frame.Data) < frame.Width*frame.Height*2 {
		return nil, &FrameError{
			Kind: StreamNotReady,
			Err:  fmt.Errorf("short yuyv frame: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height),
		}
	}

	yuyv := image.NewYCbCr(image.Rect(0, 0, frame.Width, frame.Height), image.YCbCrSubsampleRatio422)
	for i := range yuyv.Cb {
		ii := i * 4
		yuyv.Y[i*2] = frame.Data[ii]
		yuyv.Y[i*2+1] = frame.Data[ii+2]
		yuyv.Cb[i] = frame.Data[ii+1]
		yuyv.Cr[i] = frame.Data[ii+3]
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, yuyv, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("fail to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
