// Package capture orchestrates one capture session: mode selection, stream
// ownership, stills, recordings, time-lapse duty cycling and hand-off.
//
// A Session lives on an eventloop.Loop. Every method must be called on that
// loop, and every asynchronous continuation re-checks the session's open flag
// and generation before acting.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/emitter"
	"github.com/tuzkov/habitCam/eventloop"
	"github.com/tuzkov/habitCam/photo"
	"github.com/tuzkov/habitCam/recorder"
	"github.com/tuzkov/habitCam/timelapse"
)

var (
	ErrClosed          = errors.New("capture session is closed")
	ErrAlreadyOpen     = errors.New("capture session is already open")
	ErrWrongMode       = errors.New("operation not available in this mode")
	ErrArtifactPending = errors.New("a captured artifact is pending")
	ErrNothingPending  = errors.New("nothing captured")
	ErrNotRecording    = errors.New("not recording")
	ErrNoStream        = errors.New("camera is not ready")
	ErrSingleCamera    = errors.New("only one camera available")
	ErrStoreInProgress = errors.New("the captured artifact is being stored")
	ErrFinishing       = errors.New("the recording is being finalised")
)

type Config struct {
	Mode        device.Mode
	Facing      device.Facing
	Resolutions device.Resolutions
	Recording   recorder.Options
	Cycle       timelapse.Cycle
	// ElapsedTick is the interval of elapsed events while recording.
	ElapsedTick time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:        device.ModePhoto,
		Facing:      device.FacingUser,
		Resolutions: device.DefaultResolutions,
		Recording:   recorder.Options{Codec: recorder.CodecVP8, BitrateCeiling: 1_000_000},
		Cycle:       timelapse.DefaultCycle(),
		ElapsedTick: time.Second,
	}
}

type Session struct {
	// base is handed to the components, which add their own svc
	base    *slog.Logger
	log     *slog.Logger
	loop    eventloop.Loop
	src     device.Source
	cfg     Config
	photo   *photo.Capturer
	rec     *recorder.Controller
	emitter *emitter.Emitter

	id    string
	open  bool
	gen   uint64
	dev   *device.Manager
	modes *ModeController
	tl    *timelapse.Scheduler

	stream    device.Stream
	acquiring bool
	cameras   int
	pending   *artifact.Artifact
	storing   *artifact.Artifact
	failure   *emitter.Failure
	lastTL    *timelapse.Report

	ticker  eventloop.Timer
	tickGen uint64

	subs    map[int]func(Event)
	nextSub int
}

func NewSession(log *slog.Logger, loop eventloop.Loop, src device.Source, backend recorder.Backend, sink emitter.Sink, cfg Config) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ElapsedTick <= 0 {
		cfg.ElapsedTick = time.Second
	}
	if cfg.Cycle.Period == 0 {
		cfg.Cycle = timelapse.DefaultCycle()
	}
	if cfg.Mode == "" {
		cfg.Mode = device.ModePhoto
	}
	if cfg.Facing == "" {
		cfg.Facing = device.FacingUser
	}
	return &Session{
		base:    log,
		log:     log.With("svc", "session"),
		loop:    loop,
		src:     src,
		cfg:     cfg,
		photo:   photo.NewCapturer(log, loop),
		rec:     recorder.NewController(log, loop, backend),
		emitter: emitter.New(log, loop, sink, 0),
		subs:    make(map[int]func(Event)),
	}
}

// Subscribers is the number of registered event callbacks.
func (s *Session) Subscribers() int {
	return len(s.subs)
}

// Subscribe registers fn for every event. The returned func unregisters it.
func (s *Session) Subscribe(fn func(Event)) func() {
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

func (s *Session) publish(e Event) {
	for _, fn := range s.subs {
		fn(e)
	}
}

func (s *Session) publishState() {
	st := s.State()
	s.publish(Event{Type: EventState, State: &st})
}

func (s *Session) fail(err error) *emitter.Failure {
	f := emitter.NewFailure(err)
	s.failure = f
	s.log.Warn("capture failure", "kind", f.Kind, "code", f.Code, "err", err)
	s.publish(Event{Type: EventFailure, Failure: f})
	return f
}

// Open starts a session and acquires a stream for the configured mode and
// facing.
func (s *Session) Open() error {
	if s.open {
		return ErrAlreadyOpen
	}
	s.open = true
	s.gen++
	s.id = uuid.NewString()
	s.failure = nil
	s.pending = nil
	s.storing = nil
	s.lastTL = nil
	s.cameras = 0
	s.rec.Reset()

	s.dev = device.NewManager(s.base, s.loop, s.src, s.cfg.Resolutions)
	s.dev.OnLost(s.onLost)
	s.modes = NewModeController(s.base, s.rec, s.dev, s.cfg.Mode)

	s.log.Info("session opened", "session", s.id, "mode", s.cfg.Mode, "facing", s.cfg.Facing)

	gen := s.gen
	s.dev.Enumerate(func(n int) {
		if !s.open || gen != s.gen {
			return
		}
		s.cameras = n
		s.publishState()
	})

	s.acquiring = true
	s.dev.Acquire(s.cfg.Mode, s.cfg.Facing, s.acquired())
	s.publishState()
	return nil
}

func (s *Session) acquired() device.AcquireFunc {
	gen := s.gen
	return func(stream device.Stream, err error) {
		if !s.open || gen != s.gen || errors.Is(err, device.ErrClosed) {
			return
		}
		s.acquiring = false
		if err != nil {
			s.stream = nil
			s.fail(err)
			s.publishState()
			return
		}
		s.stream = stream
		s.failure = nil
		s.publishState()
	}
}

func (s *Session) onLost(stream device.Stream, err error) {
	if !s.open || stream != s.stream {
		return
	}
	s.stream = nil
	if st := s.rec.State(); st == recorder.Recording || st == recorder.Paused {
		s.log.Warn("stream lost while recording, discarding", "state", st)
		s.abortRecording()
	}
	s.fail(err)
	s.publishState()
}

// State reports the session. It is valid on a closed session too.
func (s *Session) State() Status {
	st := Status{
		SessionID:       s.id,
		Open:            s.open,
		Mode:            s.cfg.Mode,
		Facing:          s.cfg.Facing,
		Acquiring:       s.acquiring,
		Recorder:        s.rec.State(),
		Elapsed:         FormatElapsed(s.rec.Elapsed()),
		CanSwitchFacing: s.cameras > 1,
		Pending:         infoOf(s.pending),
		Storing:         s.storing != nil,
		Finishing:       s.rec.Finishing(),
		Failure:         s.failure,
		Timelapse:       s.lastTL,
	}
	if s.modes != nil {
		st.Mode = s.modes.Mode()
	}
	if s.dev != nil {
		st.Facing = s.dev.Facing()
	}
	if s.stream != nil {
		_, st.Ready = s.stream.LatestFrame()
	}
	if s.tl != nil && s.tl.Running() {
		r := s.tl.Report()
		st.Timelapse = &r
	}
	return st
}

// CurrentStream is the live stream, nil while acquiring or after loss.
func (s *Session) CurrentStream() device.Stream {
	return s.stream
}

func (s *Session) Pending() *artifact.Artifact {
	return s.pending
}

func (s *Session) recording() bool {
	st := s.rec.State()
	return st == recorder.Recording || st == recorder.Paused
}

// SetMode switches capture mode. A pending artifact is dropped when
// confirmRetake is set, otherwise ErrRetakeRequired is returned.
func (s *Session) SetMode(mode device.Mode, confirmRetake bool) error {
	if !s.open {
		return ErrClosed
	}
	if s.rec.Finishing() {
		return ErrFinishing
	}
	if s.storing != nil {
		return ErrStoreInProgress
	}
	err := s.modes.SetMode(mode, s.pending != nil, confirmRetake, s.acquired())
	if err != nil {
		return err
	}
	if s.pending != nil {
		s.log.Info("pending artifact discarded for retake", "kind", s.pending.Kind())
		s.pending = nil
	}
	s.cfg.Mode = mode
	s.rec.Reset()
	s.stream = nil
	s.acquiring = true
	s.publishState()
	return nil
}

// SwitchFacing re-acquires the current mode from the other camera.
func (s *Session) SwitchFacing() error {
	if !s.open {
		return ErrClosed
	}
	if s.recording() {
		return fmt.Errorf("fail to switch facing: %w", ErrRecordingInProgress)
	}
	if s.cameras == 1 {
		return ErrSingleCamera
	}
	s.stream = nil
	s.acquiring = true
	s.dev.SwitchFacing(s.acquired())
	s.cfg.Facing = s.dev.Facing()
	s.publishState()
	return nil
}

// TakePhoto captures one still into the pending slot.
func (s *Session) TakePhoto() (*ArtifactInfo, error) {
	if !s.open {
		return nil, ErrClosed
	}
	if s.modes.Mode() != device.ModePhoto {
		return nil, ErrWrongMode
	}
	if s.pending != nil {
		return nil, ErrArtifactPending
	}

	a, err := s.photo.Capture(s.stream)
	if err != nil {
		return nil, s.fail(err)
	}
	s.pending = a
	s.failure = nil

	info := infoOf(a)
	s.publish(Event{Type: EventCaptured, Artifact: info})
	s.publishState()
	return info, nil
}

// StartRecording records video, duty cycled in Timelapse mode.
func (s *Session) StartRecording() error {
	if !s.open {
		return ErrClosed
	}
	mode := s.modes.Mode()
	if mode != device.ModeVideo && mode != device.ModeTimelapse {
		return ErrWrongMode
	}
	if s.recording() {
		return ErrRecordingInProgress
	}
	if s.rec.Finishing() {
		return ErrFinishing
	}
	if s.pending != nil {
		return ErrArtifactPending
	}
	if s.stream == nil {
		return ErrNoStream
	}

	s.rec.Reset()
	if err := s.rec.Start(s.stream, s.cfg.Recording); err != nil {
		return s.fail(err)
	}
	s.failure = nil
	s.lastTL = nil

	if mode == device.ModeTimelapse {
		s.tl = timelapse.New(s.base, s.loop, s.rec, s.cfg.Cycle)
		if err := s.tl.Start(); err != nil {
			s.rec.Discard()
			s.rec.Reset()
			return s.fail(err)
		}
	}

	s.startTicker()
	s.publishState()
	return nil
}

// StopRecording ends the recording at once and finalises it off the loop.
// done, if set, runs on the loop once the artifact is in the pending slot or
// finalising failed. Discard, Retake or Close before that drop the result.
func (s *Session) StopRecording(done func(*ArtifactInfo, error)) error {
	if !s.open {
		return ErrClosed
	}
	if !s.recording() {
		return ErrNotRecording
	}

	s.stopTimelapse(false)
	s.stopTicker()

	gen := s.gen
	err := s.rec.Finish(func(a *artifact.Artifact, err error) {
		if err == nil && (!s.open || gen != s.gen) {
			err = ErrClosed
		}
		if err != nil {
			if !errors.Is(err, recorder.ErrDiscarded) && !errors.Is(err, ErrClosed) {
				s.rec.Reset()
				s.fail(err)
				s.publishState()
			}
			if done != nil {
				done(nil, err)
			}
			return
		}

		s.pending = a
		info := infoOf(a)
		s.publish(Event{Type: EventCaptured, Artifact: info})
		s.publishState()
		if done != nil {
			done(info, nil)
		}
	})
	if err != nil {
		return s.fail(err)
	}
	s.publishState()
	return nil
}

// Discard throws away a running recording or the pending artifact.
func (s *Session) Discard() error {
	if !s.open {
		return ErrClosed
	}
	if s.storing != nil {
		return ErrStoreInProgress
	}
	if s.recording() {
		s.abortRecording()
	}
	s.pending = nil
	s.rec.Reset()
	s.publishState()
	return nil
}

// Retake drops the pending artifact and goes back to the live view,
// re-acquiring the stream if it was lost.
func (s *Session) Retake() error {
	if !s.open {
		return ErrClosed
	}
	if s.recording() {
		return ErrRecordingInProgress
	}
	if s.storing != nil {
		return ErrStoreInProgress
	}
	s.pending = nil
	s.rec.Reset()
	if s.stream == nil && !s.acquiring {
		s.acquiring = true
		s.dev.Acquire(s.modes.Mode(), s.dev.Facing(), s.acquired())
	}
	s.publishState()
	return nil
}

// Confirm hands the pending artifact to storage. done, if set, runs on the
// loop with the outcome. A failed store keeps the artifact pending so the
// user can confirm again. Only one store runs at a time, and the artifact
// cannot be discarded or retaken while it is stored.
func (s *Session) Confirm(done func(emitter.Stored, *emitter.Failure)) error {
	if !s.open {
		return ErrClosed
	}
	if s.storing != nil {
		return ErrStoreInProgress
	}
	if s.pending == nil {
		return ErrNothingPending
	}

	a := s.pending
	gen := s.gen
	s.storing = a
	s.publishState()
	s.emitter.Emit(a, func(stored emitter.Stored, f *emitter.Failure) {
		if s.storing == a {
			s.storing = nil
		}
		if f != nil {
			if s.open && gen == s.gen {
				s.fail(f)
				s.publishState()
			}
			if done != nil {
				done(stored, f)
			}
			return
		}
		if s.open && gen == s.gen && s.pending == a {
			s.pending = nil
			s.rec.Reset()
			s.publish(Event{Type: EventStored, Stored: &stored})
			s.publishState()
		}
		if done != nil {
			done(stored, nil)
		}
	})
	return nil
}

// Close releases everything. Callbacks already scheduled become no-ops.
func (s *Session) Close() {
	if !s.open {
		return
	}
	s.open = false
	s.gen++
	if s.recording() {
		s.abortRecording()
	}
	s.stopTicker()
	s.rec.Reset()
	s.dev.Close()
	s.stream = nil
	s.acquiring = false
	s.pending = nil
	s.storing = nil
	s.log.Info("session closed", "session", s.id)
	s.publishState()
}

func (s *Session) abortRecording() {
	s.stopTimelapse(true)
	s.stopTicker()
	s.rec.Discard()
}

func (s *Session) stopTimelapse(cancel bool) {
	if s.tl == nil {
		return
	}
	if cancel {
		s.tl.Cancel()
	} else {
		s.tl.Stop()
	}
	r := s.tl.Report()
	s.lastTL = &r
	s.tl = nil
}

func (s *Session) startTicker() {
	s.stopTicker()
	gen := s.tickGen
	var tick func()
	tick = func() {
		if !s.open || gen != s.tickGen || !s.recording() {
			return
		}
		s.publish(Event{Type: EventElapsed, Elapsed: FormatElapsed(s.rec.Elapsed())})
		s.ticker = s.loop.AfterFunc(s.cfg.ElapsedTick, tick)
	}
	s.ticker = s.loop.AfterFunc(s.cfg.ElapsedTick, tick)
}

func (s *Session) stopTicker() {
	s.tickGen++
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}
