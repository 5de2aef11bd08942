package recorder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/photo"
)

const FFmpegBinary = "ffmpeg"

var ffmpegEncoders = map[Codec]string{
	CodecVP8: "libvpx",
	CodecVP9: "libvpx-vp9",
}

const outputBufferSize = 64 * 1024

type FFmpegConfig struct {
	Binary string
	// StopTimeout bounds how long Stop waits for ffmpeg to finalise the file.
	StopTimeout time.Duration
	// AudioCodec is used when the stream carries audio.
	AudioCodec string
}

// FFmpegBackend pipes stream frames as MJPEG into ffmpeg and reads WebM from
// its stdout. Pausing stops feeding frames, so paused time is cut out of the
// output timeline.
type FFmpegBackend struct {
	log *slog.Logger
	cfg FFmpegConfig

	mu sync.RWMutex
	// nil until Probe succeeds
	encoders map[string]bool
}

func NewFFmpegBackend(log *slog.Logger, cfg FFmpegConfig) *FFmpegBackend {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = FFmpegBinary
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "libopus"
	}
	return &FFmpegBackend{
		log: log.With("svc", "ffmpeg"),
		cfg: cfg,
	}
}

// Probe lists the encoders ffmpeg was built with. Without a probe every
// known codec is assumed to be available.
func (b *FFmpegBackend) Probe(ctx context.Context) error {
	output, err := exec.CommandContext(ctx, b.cfg.Binary, "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		return fmt.Errorf("fail to list ffmpeg encoders: %w", err)
	}
	encoders := parseEncoders(output)

	b.mu.Lock()
	b.encoders = encoders
	b.mu.Unlock()

	b.log.DebugContext(ctx, "ffmpeg encoders probed", "count", len(encoders))
	return nil
}

// parseEncoders reads `ffmpeg -encoders` lines such as
// " V....D libvpx               libvpx VP8".
func parseEncoders(output []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	listing := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "------" {
			listing = true
			continue
		}
		fields := strings.Fields(line)
		if !listing || len(fields) < 2 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

func (b *FFmpegBackend) supports(encoder string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.encoders == nil || b.encoders[encoder]
}

func (b *FFmpegBackend) args(s device.Stream, opts Options, encoder string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(s.FrameRate()),
		"-i", "pipe:0",
	}
	audio := s.AudioDevice()
	if audio != "" {
		args = append(args, "-f", "alsa", "-i", audio)
	}
	args = append(args,
		"-c:v", encoder,
		"-deadline", "realtime",
		"-cpu-used", "8",
	)
	if opts.BitrateCeiling > 0 {
		args = append(args,
			"-b:v", strconv.Itoa(opts.BitrateCeiling),
			"-maxrate", strconv.Itoa(opts.BitrateCeiling),
		)
	}
	if audio != "" {
		args = append(args, "-c:a", b.cfg.AudioCodec)
	}
	return append(args, "-f", "webm", "pipe:1")
}

func (b *FFmpegBackend) Start(s device.Stream, opts Options, ready func()) (Encoder, error) {
	encoder, ok := ffmpegEncoders[opts.Codec]
	if !ok || !b.supports(encoder) {
		return nil, &RecorderError{Kind: UnsupportedCodec, Err: fmt.Errorf("no ffmpeg encoder for %s", opts.Codec)}
	}

	args := b.args(s, opts, encoder)
	b.log.Debug("ffmpeg args", "args", args)

	cmd := exec.Command(b.cfg.Binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("fail to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("fail to create stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("fail to run ffmpeg: %w", err)
	}

	fps := s.FrameRate()
	if fps <= 0 {
		fps = 15
	}
	enc := &ffmpegEncoder{
		log:     b.log.With("stream", s.ID()),
		cmd:     cmd,
		stderr:  stderr,
		timeout: b.cfg.StopTimeout,
		ready:   ready,
		stop:    make(chan struct{}),
		outDone: make(chan struct{}),
	}
	go enc.pump(s, stdin, time.Second/time.Duration(fps))
	go enc.readOutput(stdout)

	return enc, nil
}

type ffmpegEncoder struct {
	log     *slog.Logger
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	timeout time.Duration
	ready   func()

	paused atomic.Bool

	mu      sync.Mutex
	pending []byte

	once    sync.Once
	stop    chan struct{}
	outDone chan struct{}
}

func (e *ffmpegEncoder) pump(s device.Stream, stdin io.WriteCloser, interval time.Duration) {
	defer stdin.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		if e.paused.Load() {
			continue
		}
		frame, ok := s.LatestFrame()
		if !ok {
			continue
		}
		img, err := photo.Encode(frame)
		if err != nil {
			e.log.Debug("fail to encode frame", "err", err)
			continue
		}
		if _, err := stdin.Write(img); err != nil {
			e.log.Warn("fail to write frame to ffmpeg", "err", err)
			return
		}
	}
}

func (e *ffmpegEncoder) readOutput(stdout io.Reader) {
	defer close(e.outDone)

	buf := make([]byte, outputBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.pending = append(e.pending, buf[:n]...)
			e.mu.Unlock()
			e.ready()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Warn("fail to read ffmpeg output", "err", err)
			}
			return
		}
	}
}

func (e *ffmpegEncoder) Pause() error {
	e.paused.Store(true)
	return nil
}

func (e *ffmpegEncoder) Resume() error {
	e.paused.Store(false)
	return nil
}

func (e *ffmpegEncoder) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Stop closes ffmpeg's input and waits up to StopTimeout for it to flush the
// container. Controller.Finish calls it off the loop.
func (e *ffmpegEncoder) Stop() ([]byte, error) {
	e.once.Do(func() { close(e.stop) })

	killed := false
	select {
	case <-e.outDone:
	case <-time.After(e.timeout):
		e.log.Warn("ffmpeg did not finish in time, killing")
		_ = e.cmd.Process.Kill()
		killed = true
		<-e.outDone
	}

	err := e.cmd.Wait()
	if killed {
		return nil, errors.New("ffmpeg killed after timeout")
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, e.stderr.String())
	}
	return e.Drain(), nil
}

func (e *ffmpegEncoder) Abort() {
	e.once.Do(func() { close(e.stop) })
	_ = e.cmd.Process.Kill()
	go func() {
		<-e.outDone
		_ = e.cmd.Wait()
		e.log.Debug("ffmpeg aborted")
	}()
	e.Drain()
}
