package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tuzkov/habitCam/eventloop"
)

// AcquireFunc receives the result of an acquisition on the loop.
type AcquireFunc func(Stream, error)

type request struct {
	mode   Mode
	facing Facing
	done   AcquireFunc
}

// Manager exclusively owns the hardware stream of one capture session. It
// never holds two streams: a replacement is opened only after the previous
// stream has been stopped, and overlapping requests are serialised.
//
// Manager is not safe for concurrent use; drive it from its loop.
type Manager struct {
	log  *slog.Logger
	loop eventloop.Loop
	src  Source
	res  Resolutions

	ctx    context.Context
	cancel context.CancelFunc

	stream Stream
	mode   Mode
	facing Facing

	// gen invalidates acquisitions that were superseded or closed.
	gen      uint64
	inflight bool
	queued   *request
	closed   bool

	onLost func(Stream, error)
}

func NewManager(log *slog.Logger, loop eventloop.Loop, src Source, res Resolutions) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:    log.With("svc", "device"),
		loop:   loop,
		src:    src,
		res:    res,
		ctx:    ctx,
		cancel: cancel,
		mode:   ModePhoto,
		facing: FacingUser,
	}
}

// OnLost registers the callback run on the loop when the current stream ends
// without being released.
func (m *Manager) OnLost(fn func(Stream, error)) {
	m.onLost = fn
}

func (m *Manager) Current() Stream {
	return m.stream
}

func (m *Manager) Facing() Facing {
	return m.facing
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// Acquire releases the current stream and opens one matching mode and
// facing. done runs on the loop unless the request is superseded or the
// manager is closed first, in which case any stream it produced is released
// and done is called with ErrClosed or not at all.
func (m *Manager) Acquire(mode Mode, facing Facing, done AcquireFunc) {
	if m.closed {
		done(nil, ErrClosed)
		return
	}

	m.mode = mode
	m.facing = facing
	m.gen++
	m.releaseCurrent()

	req := &request{mode: mode, facing: facing, done: done}
	if m.inflight {
		// The pending open must resolve and be released before the next one
		// may touch the hardware.
		m.queued = req
		return
	}
	m.start(req)
}

// SwitchFacing re-acquires the current mode from the other camera.
func (m *Manager) SwitchFacing(done AcquireFunc) {
	m.Acquire(m.mode, m.facing.Opposite(), done)
}

func (m *Manager) start(req *request) {
	gen := m.gen
	c := ConstraintsFor(req.mode, req.facing, m.res)
	ctx := m.ctx

	var (
		stream Stream
		err    error
	)
	m.inflight = true
	m.log.Debug("acquiring stream", "mode", c.Mode, "facing", c.Facing, "width", c.Width, "height", c.Height, "audio", c.Audio)

	m.loop.Async(func() {
		stream, err = m.src.Open(ctx, c)
	}, func() {
		m.inflight = false

		if gen != m.gen || m.closed {
			if stream != nil {
				m.log.Debug("releasing stale stream", "stream", stream.ID())
				_ = stream.Stop()
			}
			if m.closed {
				req.done(nil, ErrClosed)
			}
			m.next()
			return
		}

		if err != nil {
			err = classify(err)
			m.log.Warn("fail to acquire stream", "err", err)
			req.done(nil, err)
			m.next()
			return
		}

		m.stream = stream
		m.watch(stream)
		m.log.Info("stream acquired", "stream", stream.ID(), "mode", c.Mode, "facing", c.Facing)
		req.done(stream, nil)
	})
}

func (m *Manager) next() {
	if m.queued == nil || m.closed {
		m.queued = nil
		return
	}
	req := m.queued
	m.queued = nil
	m.start(req)
}

func (m *Manager) watch(s Stream) {
	go func() {
		<-s.Done()
		m.loop.Post(func() {
			if m.stream != s {
				// released by us
				return
			}
			m.stream = nil
			err := s.Err()
			if err == nil {
				err = fmt.Errorf("stream %s ended", s.ID())
			}
			err = classify(err)
			m.log.Warn("stream lost", "stream", s.ID(), "err", err)
			if m.onLost != nil {
				m.onLost(s, err)
			}
		})
	}()
}

// Release stops s. Releasing a stream twice, or one the manager no longer
// owns, is a no-op apart from the idempotent Stop.
func (m *Manager) Release(s Stream) {
	if s == nil {
		return
	}
	if m.stream == s {
		m.stream = nil
	}
	if err := s.Stop(); err != nil {
		m.log.Warn("fail to stop stream", "stream", s.ID(), "err", err)
	}
}

func (m *Manager) releaseCurrent() {
	if m.stream != nil {
		m.Release(m.stream)
	}
}

// Enumerate counts video inputs on the loop. It only decides whether facing
// switching is offered, so failures are logged and reported as zero.
func (m *Manager) Enumerate(done func(cameras int)) {
	var (
		cams []CameraInfo
		err  error
	)
	ctx := m.ctx
	m.loop.Async(func() {
		cams, err = m.src.Cameras(ctx)
	}, func() {
		if m.closed {
			return
		}
		if err != nil {
			m.log.Warn("fail to enumerate cameras", "err", err)
			done(0)
			return
		}
		done(len(cams))
	})
}

// Close invalidates in-flight work and releases the stream.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	m.queued = nil
	m.cancel()
	m.releaseCurrent()
	m.log.Debug("device manager closed")
}
