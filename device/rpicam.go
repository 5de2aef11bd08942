package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const (
	RpiVidBinary   = "rpicam-vid"
	RpiHelloBinary = "rpicam-hello"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}

	rpiCameraLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)`)
)

type RPiConfig struct {
	// Cameras maps facing to the rpicam camera index.
	Cameras     map[Facing]int
	AudioDevice string
	FrameRate   int
	// ExtraArgs are appended to every rpicam-vid call (rotation, roi, lens position).
	ExtraArgs []string
}

// RPiSource streams MJPEG from the Raspberry Pi camera stack through
// rpicam-vid.
type RPiSource struct {
	log *slog.Logger
	cfg RPiConfig

	mu   sync.Mutex
	last *rpiStream
}

func NewRPiSource(log *slog.Logger, cfg RPiConfig) *RPiSource {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	return &RPiSource{
		log: log.With("svc", "rpicam"),
		cfg: cfg,
	}
}

// Cameras runs `rpicam-hello --list-cameras` and keeps the indexes that are
// mapped to a facing.
func (s *RPiSource) Cameras(ctx context.Context) ([]CameraInfo, error) {
	output, err := exec.CommandContext(ctx, RpiHelloBinary, "--list-cameras").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("fail to list cameras: %w", err)
	}

	found := parseCameraList(output)
	var cams []CameraInfo
	for facing, idx := range s.cfg.Cameras {
		if name, ok := found[idx]; ok {
			cams = append(cams, CameraInfo{ID: strconv.Itoa(idx), Name: name, Facing: facing})
		}
	}
	return cams, nil
}

func parseCameraList(output []byte) map[int]string {
	found := make(map[int]string)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		m := rpiCameraLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found[idx] = m[2]
	}
	return found
}

func (s *RPiSource) args(c Constraints, idx int) []string {
	args := []string{
		"--camera", strconv.Itoa(idx),
		"--codec", "mjpeg",
		"--width", strconv.Itoa(c.Width),
		"--height", strconv.Itoa(c.Height),
		"--framerate", strconv.Itoa(s.cfg.FrameRate),
		"--timeout", "0", // runs infinitely
		"-n", // no preview
		"-o", "-",
	}
	return append(args, s.cfg.ExtraArgs...)
}

func (s *RPiSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	idx, ok := s.cfg.Cameras[c.Facing]
	if !ok {
		return nil, newError(NotFound, fmt.Errorf("no camera configured for facing %s", c.Facing))
	}

	s.mu.Lock()
	prev := s.last
	s.mu.Unlock()
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	args := s.args(c, idx)
	s.log.DebugContext(ctx, "rpicam-vid args", "args", args)

	// the stream outlives ctx, which only bounds the negotiation
	cmd := exec.Command(RpiVidBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("fail to create stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, newError(NotFound, err)
		}
		return nil, fmt.Errorf("fail to run rpicam-vid: %w", err)
	}

	st := &rpiStream{
		log:         s.log.With("camera", idx),
		id:          uuid.NewString(),
		constraints: c,
		fps:         s.cfg.FrameRate,
		cmd:         cmd,
		stderr:      stderr,
		done:        make(chan struct{}),
	}
	if c.Audio {
		st.audio = s.cfg.AudioDevice
	}

	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	go st.readFrames(stdout)

	return st, nil
}

type rpiStream struct {
	log         *slog.Logger
	id          string
	constraints Constraints
	audio       string
	fps         int

	cmd    *exec.Cmd
	stderr *bytes.Buffer

	sync.RWMutex
	frame   []byte
	err     error
	stopped bool

	once sync.Once
	done chan struct{}
}

func (st *rpiStream) ID() string               { return st.id }
func (st *rpiStream) Constraints() Constraints { return st.constraints }
func (st *rpiStream) FrameRate() int           { return st.fps }
func (st *rpiStream) AudioDevice() string      { return st.audio }
func (st *rpiStream) Done() <-chan struct{}    { return st.done }

func (st *rpiStream) LatestFrame() (Frame, bool) {
	st.RWMutex.RLock()
	defer st.RWMutex.RUnlock()
	if st.frame == nil {
		return Frame{}, false
	}
	return Frame{
		Data:   st.frame,
		Format: FormatMJPEG,
		Width:  st.constraints.Width,
		Height: st.constraints.Height,
	}, true
}

func (st *rpiStream) Err() error {
	st.RWMutex.RLock()
	defer st.RWMutex.RUnlock()
	return st.err
}

func (st *rpiStream) Stop() error {
	var err error
	st.once.Do(func() {
		st.RWMutex.Lock()
		st.stopped = true
		st.RWMutex.Unlock()
		if st.cmd.Process != nil {
			err = st.cmd.Process.Kill()
		}
	})
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (st *rpiStream) readFrames(stdout io.Reader) {
	defer close(st.done)

	err := SplitJPEG(stdout, func(frame []byte) {
		st.RWMutex.Lock()
		st.frame = frame
		st.RWMutex.Unlock()
	})
	waitErr := st.cmd.Wait()

	st.RWMutex.Lock()
	defer st.RWMutex.Unlock()
	st.frame = nil
	if st.stopped {
		st.log.Debug("rpicam-vid stopped")
		return
	}
	if err == nil {
		err = waitErr
	}
	if err == nil {
		err = errors.New("rpicam-vid exited")
	}
	st.err = fmt.Errorf("%w (stderr: %s)", err, st.stderr.String())
	st.log.Warn("rpicam-vid failed", "err", st.err)
}

// SplitJPEG cuts a concatenated MJPEG byte stream into frames on SOI/EOI
// markers and calls emit with each complete frame. It returns nil on EOF.
func SplitJPEG(r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 256*1024)
	var pending bytes.Buffer

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			data := pending.Bytes()
			consumed := 0
			for {
				start := bytes.Index(data[consumed:], jpegSOI)
				if start == -1 {
					// keep a trailing 0xFF that may start the next marker
					if len(data) > 0 && data[len(data)-1] == 0xFF {
						consumed = len(data) - 1
					} else {
						consumed = len(data)
					}
					break
				}
				start += consumed
				end := bytes.Index(data[start+2:], jpegEOI)
				if end == -1 {
					consumed = start
					break
				}
				end += start + 2 + len(jpegEOI)

				frame := make([]byte, end-start)
				copy(frame, data[start:end])
				emit(frame)
				consumed = end
			}
			rest := append([]byte(nil), data[consumed:]...)
			pending.Reset()
			pending.Write(rest)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
