package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockSource is an in-memory Source for tests and for running without
// camera hardware. It tracks how many streams are open at once.
type MockSource struct {
	mu sync.Mutex

	cameras   []CameraInfo
	failNext  []error
	opens     int
	live      int
	maxLive   int
	streams   []*MockStream
	autoFrame bool
}

func NewMockSource(cameras ...CameraInfo) *MockSource {
	if len(cameras) == 0 {
		cameras = []CameraInfo{{ID: "mock0", Name: "Mock Camera", Facing: FacingUser}}
	}
	return &MockSource{cameras: cameras}
}

// SetAutoFrame makes every new stream deliver a first frame immediately.
func (s *MockSource) SetAutoFrame(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoFrame = enabled
}

// FailNext makes the next Open calls fail with errs, in order.
func (s *MockSource) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

func (s *MockSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return nil, err
	}

	s.opens++
	s.live++
	if s.live > s.maxLive {
		s.maxLive = s.live
	}

	st := &MockStream{
		id:          uuid.NewString(),
		constraints: c,
		done:        make(chan struct{}),
		onStop:      s.stopped,
	}
	if c.Audio {
		st.audio = "mock-mic"
	}
	if s.autoFrame {
		st.frame = TestFrame(c.Width, c.Height)
		st.hasFrame = true
	}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *MockSource) Cameras(ctx context.Context) ([]CameraInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CameraInfo(nil), s.cameras...), nil
}

func (s *MockSource) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
}

// Opens is the number of successful opens.
func (s *MockSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Live is the number of streams currently open.
func (s *MockSource) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// MaxLive is the highest number of streams ever open at the same time.
func (s *MockSource) MaxLive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLive
}

// Last returns the most recently opened stream.
func (s *MockSource) Last() *MockStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// MockStream is the Stream produced by MockSource.
type MockStream struct {
	id          string
	constraints Constraints
	audio       string
	onStop      func()

	mu       sync.RWMutex
	frame    Frame
	hasFrame bool
	err      error
	once     sync.Once
	done     chan struct{}
}

func (s *MockStream) ID() string               { return s.id }
func (s *MockStream) Constraints() Constraints { return s.constraints }
func (s *MockStream) FrameRate() int           { return 15 }
func (s *MockStream) AudioDevice() string      { return s.audio }
func (s *MockStream) Done() <-chan struct{}    { return s.done }

func (s *MockStream) LatestFrame() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.hasFrame
}

// Deliver makes f the latest frame.
func (s *MockStream) Deliver(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
	s.hasFrame = true
}

func (s *MockStream) Stop() error {
	s.end(nil)
	return nil
}

// Lose ends the stream as if the device disappeared.
func (s *MockStream) Lose() {
	s.end(errors.New("device disconnected"))
}

func (s *MockStream) Live() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *MockStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *MockStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.hasFrame = false
		s.mu.Unlock()
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *MockStream) String() string {
	return fmt.Sprintf("mock stream %s (%s/%s)", s.id, s.constraints.Mode, s.constraints.Facing)
}

// TestFrame builds a grey YUYV frame of the given size.
func TestFrame(width, height int) Frame {
	if width <= 0 || height <= 0 {
		width, height = 64, 48
	}
	data := make([]byte, width*height*2)
	for i := 0; i < len(data); i += 4 {
		data[i] = 0x80
		data[i+1] = 0x80
		data[i+2] = 0x80
		data[i+3] = 0x80
	}
	return Frame{Data: data, Format: FormatYUYV, Width: width, Height: height}
}
