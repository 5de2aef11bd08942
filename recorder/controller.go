package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/eventloop"
)

// Controller owns the recording state machine of one session:
//
//	Idle -> Recording <-> Paused -> Stopped -> (Reset) Idle
//
// Chunks are appended only while Recording. Not safe for concurrent use;
// drive it from its loop.
type Controller struct {
	log     *slog.Logger
	loop    eventloop.Loop
	backend Backend

	state State
	enc   Encoder
	codec Codec
	// gen invalidates drains posted for a previous encode.
	gen uint64
	buf ChunkBuffer

	result    *artifact.Artifact
	finishing bool

	startedAt   time.Time
	stoppedAt   time.Time
	activeSince time.Time
	active      time.Duration
}

func NewController(log *slog.Logger, loop eventloop.Loop, backend Backend) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:     log.With("svc", "recorder"),
		loop:    loop,
		backend: backend,
		state:   Idle,
	}
}

func (c *Controller) State() State {
	return c.state
}

// Codec is the codec actually in use, after any fallback.
func (c *Controller) Codec() Codec {
	return c.codec
}

func (c *Controller) Buffer() *ChunkBuffer {
	return &c.buf
}

// Start begins recording s. A preferred codec the backend cannot encode is
// replaced by DefaultCodec without surfacing an error.
func (c *Controller) Start(s device.Stream, opts Options) error {
	if c.state != Idle {
		return fmt.Errorf("fail to start recording in state %s: %w", c.state, ErrInvalidState)
	}
	if s == nil {
		return &RecorderError{Kind: Unavailable, Err: errors.New("no stream")}
	}
	if opts.Codec == "" {
		opts.Codec = DefaultCodec
	}

	c.gen++
	gen := c.gen
	ready := func() {
		c.loop.Post(func() { c.drain(gen) })
	}

	enc, err := c.backend.Start(s, opts, ready)
	if err != nil && errors.Is(err, ErrUnsupportedCodec) && opts.Codec != DefaultCodec {
		c.log.Info("codec unsupported, falling back", "codec", opts.Codec, "fallback", DefaultCodec)
		opts.Codec = DefaultCodec
		enc, err = c.backend.Start(s, opts, ready)
	}
	if err != nil {
		c.log.Warn("fail to start recording", "err", err)
		return &RecorderError{Kind: Unavailable, Err: err}
	}

	now := c.loop.Now()
	c.enc = enc
	c.codec = opts.Codec
	c.state = Recording
	c.buf.Reset()
	c.result = nil
	c.startedAt = now
	c.activeSince = now
	c.active = 0
	c.stoppedAt = time.Time{}

	c.log.Info("recording started", "stream", s.ID(), "codec", opts.Codec, "bitrate", opts.BitrateCeiling)
	return nil
}

// OnChunk appends data while Recording and drops it in any other state.
func (c *Controller) OnChunk(data []byte) {
	if c.state != Recording {
		if len(data) > 0 {
			c.log.Debug("chunk dropped", "state", c.state, "bytes", len(data))
		}
		return
	}
	c.buf.Append(data)
}

func (c *Controller) drain(gen uint64) {
	if gen != c.gen || c.state != Recording {
		// paused output stays in the encoder until Resume
		return
	}
	c.OnChunk(c.enc.Drain())
}

// Pause is a no-op unless Recording.
func (c *Controller) Pause() {
	if c.state != Recording {
		return
	}
	if err := c.enc.Pause(); err != nil {
		c.log.Warn("fail to pause encoder", "err", err)
	}
	c.active += c.loop.Now().Sub(c.activeSince)
	c.state = Paused
}

// Resume is a no-op unless Paused.
func (c *Controller) Resume() {
	if c.state != Paused {
		return
	}
	if err := c.enc.Resume(); err != nil {
		c.log.Warn("fail to resume encoder", "err", err)
	}
	c.activeSince = c.loop.Now()
	c.state = Recording

	gen := c.gen
	c.loop.Post(func() { c.drain(gen) })
}

// Stop finishes the recording and assembles its chunks into one artifact.
// Further calls return the same artifact. It waits for the encoder to
// finalise on the calling goroutine; use Finish to keep the loop free.
func (c *Controller) Stop() (*artifact.Artifact, error) {
	switch c.state {
	case Stopped:
		return c.result, nil
	case Idle:
		return nil, ErrNotStarted
	}

	enc, chunks, now := c.halt()
	tail, err := enc.Stop()
	return c.assemble(chunks, tail, err, now)
}

// Finish moves to Stopped immediately and finalises the encoder off the
// loop. done runs on the loop with the artifact, or with ErrDiscarded when
// Discard or Reset happened in between. Calling Finish when already Stopped
// reports the existing artifact.
func (c *Controller) Finish(done func(*artifact.Artifact, error)) error {
	switch c.state {
	case Idle:
		return ErrNotStarted
	case Stopped:
		if c.finishing {
			return fmt.Errorf("fail to finish recording: %w", ErrInvalidState)
		}
		a := c.result
		c.loop.Post(func() { done(a, nil) })
		return nil
	}

	enc, chunks, now := c.halt()
	gen := c.gen
	c.finishing = true

	var (
		tail []byte
		err  error
	)
	c.loop.Async(func() {
		tail, err = enc.Stop()
	}, func() {
		if gen != c.gen || c.state != Stopped {
			c.log.Info("finished recording dropped")
			done(nil, ErrDiscarded)
			return
		}
		c.finishing = false
		done(c.assemble(chunks, tail, err, now))
	})
	return nil
}

// Finishing reports a Finish whose encoder has not returned yet.
func (c *Controller) Finishing() bool {
	return c.finishing
}

// halt ends chunk intake and returns what the artifact is made of.
func (c *Controller) halt() (Encoder, [][]byte, time.Time) {
	now := c.loop.Now()
	if c.state == Recording {
		c.active += now.Sub(c.activeSince)
		// output produced up to now belongs to the recording
		c.buf.Append(c.enc.Drain())
	}

	enc := c.enc
	chunks := c.buf.Chunks()
	c.buf.Reset()
	c.gen++
	c.enc = nil
	c.state = Stopped
	c.stoppedAt = now
	return enc, chunks, now
}

func (c *Controller) assemble(chunks [][]byte, tail []byte, err error, now time.Time) (*artifact.Artifact, error) {
	if err != nil {
		c.log.Warn("fail to finalise recording, discarding", "err", err)
		return nil, &RecorderError{Kind: Unavailable, Err: fmt.Errorf("fail to stop encoder: %w", err)}
	}
	if len(tail) > 0 {
		chunks = append(chunks, tail)
	}

	c.result = artifact.NewVideo(chunks, now, c.active)
	c.log.Info("recording stopped", "bytes", c.result.Size(), "active", c.active, "elapsed", c.stoppedAt.Sub(c.startedAt))
	return c.result, nil
}

// Discard ends a Recording or Paused recording without an artifact. A
// Finish still in progress is dropped.
func (c *Controller) Discard() {
	if c.state != Recording && c.state != Paused {
		if c.finishing {
			c.gen++
			c.finishing = false
			c.log.Info("recording discarded while finishing")
		}
		c.result = nil
		return
	}
	now := c.loop.Now()
	if c.state == Recording {
		c.active += now.Sub(c.activeSince)
	}
	c.enc.Abort()
	c.gen++
	c.enc = nil
	c.buf.Reset()
	c.result = nil
	c.state = Stopped
	c.stoppedAt = now
	c.log.Info("recording discarded")
}

// Reset returns to Idle, discarding anything in progress.
func (c *Controller) Reset() {
	c.Discard()
	c.state = Idle
	c.result = nil
	c.active = 0
	c.startedAt = time.Time{}
	c.stoppedAt = time.Time{}
}

// ActiveDuration is the time spent Recording, excluding pauses.
func (c *Controller) ActiveDuration() time.Duration {
	if c.state == Recording {
		return c.active + c.loop.Now().Sub(c.activeSince)
	}
	return c.active
}

// Elapsed is the wall time since Start, frozen at Stop.
func (c *Controller) Elapsed() time.Duration {
	switch c.state {
	case Idle:
		return 0
	case Stopped:
		return c.stoppedAt.Sub(c.startedAt)
	}
	return c.loop.Now().Sub(c.startedAt)
}
