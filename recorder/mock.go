package recorder

import (
	"errors"
	"sync"

	"github.com/tuzkov/habitCam/device"
)

// MockBackend is an in-memory Backend. Its encoders emit whatever the test
// pushes through Emit.
type MockBackend struct {
	mu        sync.Mutex
	supported map[Codec]bool
	failStart error
	tail      []byte
	encoders  []*MockEncoder
}

func NewMockBackend(codecs ...Codec) *MockBackend {
	if len(codecs) == 0 {
		codecs = []Codec{CodecVP8, CodecVP9}
	}
	b := &MockBackend{supported: make(map[Codec]bool)}
	for _, c := range codecs {
		b.supported[c] = true
	}
	return b
}

// FailStart makes every Start fail with err until cleared with nil.
func (b *MockBackend) FailStart(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStart = err
}

// SetTail sets the bytes returned by Stop of encoders started afterwards.
func (b *MockBackend) SetTail(tail []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tail = tail
}

func (b *MockBackend) Start(s device.Stream, opts Options, ready func()) (Encoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failStart != nil {
		return nil, b.failStart
	}
	if !b.supported[opts.Codec] {
		return nil, &RecorderError{Kind: UnsupportedCodec, Err: errors.New(string(opts.Codec))}
	}
	enc := &MockEncoder{opts: opts, ready: ready, tail: b.tail}
	b.encoders = append(b.encoders, enc)
	return enc, nil
}

// Last returns the most recently started encoder.
func (b *MockBackend) Last() *MockEncoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.encoders) == 0 {
		return nil
	}
	return b.encoders[len(b.encoders)-1]
}

type MockEncoder struct {
	opts  Options
	ready func()
	tail  []byte

	mu      sync.Mutex
	pending []byte
	paused  bool
	stopped bool
	aborted bool
	pauses  int
	resumes int
}

func (e *MockEncoder) Options() Options {
	return e.opts
}

// Emit queues encoder output and signals the controller.
func (e *MockEncoder) Emit(data []byte) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, data...)
	e.mu.Unlock()
	e.ready()
}

func (e *MockEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.pauses++
	return nil
}

func (e *MockEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.resumes++
	return nil
}

func (e *MockEncoder) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

func (e *MockEncoder) Stop() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	out := append(e.pending, e.tail...)
	e.pending = nil
	return out, nil
}

func (e *MockEncoder) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.aborted = true
	e.pending = nil
}

func (e *MockEncoder) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Toggles reports how many times the encoder was paused and resumed.
func (e *MockEncoder) Toggles() (pauses, resumes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses, e.resumes
}

func (e *MockEncoder) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// Stopped reports whether Stop or Abort ran.
func (e *MockEncoder) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}
