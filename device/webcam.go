//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/google/uuid"
)

const (
	V4L2_PIX_FMT_MJPG = 0x47504A4D
	V4L2_PIX_FMT_PJPG = 0x47504A50
	V4L2_PIX_FMT_YUYV = 0x56595559
)

// preferred first
var webcamFormats = []struct {
	code   webcam.PixelFormat
	format PixelFormat
}{
	{V4L2_PIX_FMT_MJPG, FormatMJPEG},
	{V4L2_PIX_FMT_PJPG, FormatMJPEG},
	{V4L2_PIX_FMT_YUYV, FormatYUYV},
}

// consecutive read failures before the stream is considered lost
const maxReadFailures = 10

// WebcamSource opens V4L2 cameras.
type WebcamSource struct {
	log *slog.Logger
	cfg WebcamConfig

	mu   sync.Mutex
	last map[string]*webcamStream
}

func NewWebcamSource(log *slog.Logger, cfg WebcamConfig) *WebcamSource {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.FrameTimeout == 0 {
		cfg.FrameTimeout = 1
	}
	return &WebcamSource{
		log:  log.With("svc", "webcam"),
		cfg:  cfg,
		last: make(map[string]*webcamStream),
	}
}

func (s *WebcamSource) Cameras(ctx context.Context) ([]CameraInfo, error) {
	var cams []CameraInfo
	for facing, path := range s.cfg.Devices {
		if _, err := os.Stat(path); err != nil {
			s.log.DebugContext(ctx, "camera not present", "path", path, "err", err)
			continue
		}
		cams = append(cams, CameraInfo{ID: path, Name: path, Facing: facing})
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	return cams, nil
}

func (s *WebcamSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	path, ok := s.cfg.Devices[c.Facing]
	if !ok {
		return nil, newError(NotFound, fmt.Errorf("no camera configured for facing %s", c.Facing))
	}

	// every previous stream must have closed its handle first
	if err := s.waitReleased(ctx); err != nil {
		return nil, err
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open camera %s: %w", path, err)
	}

	format, pix, err := pickFormat(cam)
	if err != nil {
		cam.Close()
		return nil, newError(NotFound, err)
	}

	size, err := pickSize(cam.GetSupportedFrameSizes(format), c.Resolution)
	if err != nil {
		cam.Close()
		return nil, newError(NotFound, err)
	}

	f, w, h, err := cam.SetImageFormat(format, size.MaxWidth, size.MaxHeight)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("fail to set image format: %w", err)
	}
	s.log.InfoContext(ctx, "set image format", "path", path, "format", f, "width", w, "height", h)

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("fail to start streaming: %w", err)
	}

	if err := ctx.Err(); err != nil {
		cam.StopStreaming()
		cam.Close()
		return nil, err
	}

	st := &webcamStream{
		log:         s.log.With("path", path),
		id:          uuid.NewString(),
		constraints: c,
		cam:         cam,
		format:      pix,
		width:       int(w),
		height:      int(h),
		fps:         s.cfg.FrameRate,
		timeout:     s.cfg.FrameTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if c.Audio {
		st.audio = s.cfg.AudioDevice
	}

	s.mu.Lock()
	s.last[path] = st
	s.mu.Unlock()

	go st.handleCamera()

	return st, nil
}

func (s *WebcamSource) waitReleased(ctx context.Context) error {
	s.mu.Lock()
	prev := make([]*webcamStream, 0, len(s.last))
	for _, st := range s.last {
		prev = append(prev, st)
	}
	s.mu.Unlock()

	for _, st := range prev {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func pickFormat(cam *webcam.Webcam) (webcam.PixelFormat, PixelFormat, error) {
	supported := cam.GetSupportedFormats()
	for _, f := range webcamFormats {
		if _, ok := supported[f.code]; ok {
			return f.code, f.format, nil
		}
	}
	return 0, "", fmt.Errorf("found no supported formats in %v", supported)
}

// pickSize returns the smallest frame size covering the target, or the
// largest one available.
func pickSize(sizes []webcam.FrameSize, target Resolution) (webcam.FrameSize, error) {
	if len(sizes) == 0 {
		return webcam.FrameSize{}, errors.New("camera reports no frame sizes")
	}
	sorted := FrameSizes(sizes)
	sort.Sort(sorted)

	for _, size := range sorted {
		if int(size.MaxWidth) >= target.Width && int(size.MaxHeight) >= target.Height {
			return size, nil
		}
	}
	return sorted[len(sorted)-1], nil
}

type webcamStream struct {
	log         *slog.Logger
	id          string
	constraints Constraints
	audio       string

	cam     *webcam.Webcam
	format  PixelFormat
	width   int
	height  int
	fps     int
	timeout uint32

	sync.RWMutex
	frame []byte
	err   error

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (st *webcamStream) ID() string               { return st.id }
func (st *webcamStream) Constraints() Constraints { return st.constraints }
func (st *webcamStream) FrameRate() int           { return st.fps }
func (st *webcamStream) AudioDevice() string      { return st.audio }
func (st *webcamStream) Done() <-chan struct{}    { return st.done }

func (st *webcamStream) LatestFrame() (Frame, bool) {
	st.RWMutex.RLock()
	defer st.RWMutex.RUnlock()
	if st.frame == nil {
		return Frame{}, false
	}
	return Frame{Data: st.frame, Format: st.format, Width: st.width, Height: st.height}, true
}

func (st *webcamStream) Err() error {
	st.RWMutex.RLock()
	defer st.RWMutex.RUnlock()
	return st.err
}

// Stop asks the reader to close the device. Done is closed once the handle
// is released.
func (st *webcamStream) Stop() error {
	st.once.Do(func() {
		close(st.stop)
	})
	return nil
}

func (st *webcamStream) handleCamera() {
	defer close(st.done)
	defer func() {
		st.RWMutex.Lock()
		st.frame = nil
		st.RWMutex.Unlock()

		if err := st.cam.StopStreaming(); err != nil {
			st.log.Debug("fail to stop streaming", "err", err)
		}
		if err := st.cam.Close(); err != nil {
			st.log.Warn("fail to close camera", "err", err)
		}
		st.log.Debug("camera released")
	}()

	failures := 0
	for {
		select {
		case <-st.stop:
			return
		default:
		}

		err := st.cam.WaitForFrame(st.timeout)
		if err != nil {
			var timeout *webcam.Timeout
			if errors.As(err, &timeout) {
				continue
			}
			if st.failed(&failures, fmt.Errorf("fail to wait for frame: %w", err)) {
				return
			}
			continue
		}

		frame, err := st.cam.ReadFrame()
		if err != nil {
			if st.failed(&failures, fmt.Errorf("fail to read frame: %w", err)) {
				return
			}
			continue
		}
		if len(frame) == 0 {
			continue
		}
		failures = 0

		// the driver reuses its buffers
		cp := make([]byte, len(frame))
		copy(cp, frame)

		st.RWMutex.Lock()
		st.frame = cp
		st.RWMutex.Unlock()
	}
}

func (st *webcamStream) failed(failures *int, err error) bool {
	*failures++
	st.log.Warn("camera read failed", "err", err, "failures", *failures)
	if *failures < maxReadFailures {
		return false
	}
	st.RWMutex.Lock()
	st.err = err
	st.frame = nil
	st.RWMutex.Unlock()
	return true
}

type FrameSizes []webcam.FrameSize

func (slice FrameSizes) Len() int {
	return len(slice)
}

// For sorting purposes
func (slice FrameSizes) Less(i, j int) bool {
	ls := slice[i].MaxWidth * slice[i].MaxHeight
	rs := slice[j].MaxWidth * slice[j].MaxHeight
	return ls < rs
}

// For sorting purposes
func (slice FrameSizes) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}
