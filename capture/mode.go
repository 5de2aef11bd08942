package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/recorder"
)

var (
	ErrRecordingInProgress = errors.New("recording in progress")
	ErrRetakeRequired      = errors.New("a captured artifact is pending, confirm the retake")
)

type recorderState interface {
	State() recorder.State
}

type acquirer interface {
	Acquire(mode device.Mode, facing device.Facing, done device.AcquireFunc)
	Facing() device.Facing
}

// ModeController owns the current capture mode and gates mode switches on
// the recorder state.
type ModeController struct {
	log  *slog.Logger
	rec  recorderState
	dev  acquirer
	mode device.Mode
}

func NewModeController(log *slog.Logger, rec recorderState, dev acquirer, mode device.Mode) *ModeController {
	if log == nil {
		log = slog.Default()
	}
	return &ModeController{
		log:  log.With("svc", "mode"),
		rec:  rec,
		dev:  dev,
		mode: mode,
	}
}

func (c *ModeController) Mode() device.Mode {
	return c.mode
}

// SetMode switches to mode and re-acquires a stream with mode-appropriate
// constraints. It is refused while a recording is running or paused, and
// while an artifact is pending unless the retake is confirmed. The caller
// drops the pending artifact once SetMode returns nil.
func (c *ModeController) SetMode(mode device.Mode, pending, confirmRetake bool, done device.AcquireFunc) error {
	if st := c.rec.State(); st == recorder.Recording || st == recorder.Paused {
		return fmt.Errorf("fail to switch to %s: %w", mode, ErrRecordingInProgress)
	}
	if pending && !confirmRetake {
		return fmt.Errorf("fail to switch to %s: %w", mode, ErrRetakeRequired)
	}

	c.log.Info("mode switched", "from", c.mode, "to", mode, "retake", pending)
	c.mode = mode
	c.dev.Acquire(mode, c.dev.Facing(), done)
	return nil
}
