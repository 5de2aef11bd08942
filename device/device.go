package device

import (
	"context"
	"fmt"
	"strings"
)

// Mode is the capture mode a stream is acquired for.
type Mode string

const (
	ModePhoto     Mode = "photo"
	ModeVideo     Mode = "video"
	ModeTimelapse Mode = "timelapse"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModePhoto, ModeVideo, ModeTimelapse:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Facing selects the physical camera.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

func (f Facing) Opposite() Facing {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Resolution is a width/height target in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Resolutions are the per-mode targets. Photo is higher than Video/Timelapse.
type Resolutions struct {
	Photo Resolution
	Video Resolution
}

var DefaultResolutions = Resolutions{
	Photo: Resolution{Width: 1920, Height: 1080},
	Video: Resolution{Width: 1280, Height: 720},
}

// Constraints describe what a Source should open.
type Constraints struct {
	Mode   Mode
	Facing Facing
	Resolution
	// Audio is requested for continuous video only.
	Audio bool
}

func ConstraintsFor(mode Mode, facing Facing, res Resolutions) Constraints {
	c := Constraints{
		Mode:   mode,
		Facing: facing,
		Audio:  mode == ModeVideo,
	}
	if mode == ModePhoto {
		c.Resolution = res.Photo
	} else {
		c.Resolution = res.Video
	}
	return c
}

type PixelFormat string

const (
	FormatMJPEG PixelFormat = "mjpeg"
	FormatYUYV  PixelFormat = "yuyv422"
)

// Frame is one raw frame as delivered by the hardware.
type Frame struct {
	Data   []byte
	Format PixelFormat
	Width  int
	Height int
}

// Stream is a live audio/video source owned by the Manager.
type Stream interface {
	ID() string
	Constraints() Constraints
	// LatestFrame returns the most recent frame, or false before the first
	// one arrives. Safe to call from any goroutine.
	LatestFrame() (Frame, bool)
	// FrameRate is the nominal delivery rate.
	FrameRate() int
	// AudioDevice names the capture device to record audio from, empty when
	// the stream carries no audio.
	AudioDevice() string
	// Stop stops all tracks. Idempotent.
	Stop() error
	// Done is closed once the stream has ended, by Stop or by device loss.
	Done() <-chan struct{}
	// Err reports why the stream ended when it was not stopped by the owner.
	Err() error
}

// CameraInfo describes one video input.
type CameraInfo struct {
	ID     string
	Name   string
	Facing Facing
}

// Source is the hardware acquisition API.
type Source interface {
	// Open negotiates a stream. It blocks and is never called on the loop.
	Open(ctx context.Context, c Constraints) (Stream, error)
	// Cameras lists video inputs.
	Cameras(ctx context.Context) ([]CameraInfo, error)
}

// WebcamConfig configures the V4L2 source, which is only built on linux.
type WebcamConfig struct {
	// Devices maps facing to a V4L2 device path, e.g. /dev/video0.
	Devices     map[Facing]string
	AudioDevice string
	FrameRate   int
	// FrameTimeout is how long to wait for a frame, in seconds.
	FrameTimeout uint32
}
