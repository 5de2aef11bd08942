package emitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/icholy/digest"
)

// DirSink writes payloads into a local directory.
type DirSink struct {
	log *slog.Logger
	dir string
}

func NewDirSink(log *slog.Logger, dir string) (*DirSink, error) {
	if dir == "" {
		return nil, errors.New("output dir is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fail to create output dir: %w", err)
	}
	return &DirSink{log: log.With("svc", "dirSink"), dir: dir}, nil
}

// Store writes to a temp file and renames it, so readers never see a
// partial artifact.
func (s *DirSink) Store(ctx context.Context, p Payload) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "."+p.Name+".*")
	if err != nil {
		return "", fmt.Errorf("fail to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, p.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("fail to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("fail to close artifact: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := filepath.Join(s.dir, filepath.Base(p.Name))
	if err := os.Rename(tmp.Name(), name); err != nil {
		return "", fmt.Errorf("fail to rename artifact: %w", err)
	}
	s.log.DebugContext(ctx, "artifact written", "path", name, "size", p.Size)
	return name, nil
}

type HTTPConfig struct {
	// Endpoint is the base URL; the payload name is appended.
	Endpoint string
	Username string
	Password string
	Token    string
	Timeout  time.Duration
}

// HTTPSink PUTs payloads to a remote endpoint, with digest auth when a
// username is configured.
type HTTPSink struct {
	log        *slog.Logger
	cfg        HTTPConfig
	httpClient *http.Client
}

func NewHTTPSink(log *slog.Logger, cfg HTTPConfig) (*HTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("config endpoint is empty")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("fail to parse endpoint: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cli := &http.Client{Timeout: cfg.Timeout}
	if cfg.Username != "" {
		cli.Transport = &digest.Transport{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	return &HTTPSink{
		log:        log.With("svc", "httpSink"),
		cfg:        cfg,
		httpClient: cli,
	}, nil
}

func (s *HTTPSink) Store(ctx context.Context, p Payload) (string, error) {
	target, err := url.JoinPath(s.cfg.Endpoint, p.Name)
	if err != nil {
		return "", fmt.Errorf("fail to build url: %w", err)
	}

	// digest auth replays the request, so the body must be rewindable
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return "", fmt.Errorf("fail to read payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", p.MimeType)
	if s.cfg.Token != "" {
		req.Header.Set("Token", s.cfg.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fail to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.DebugContext(ctx, "fail to read body", "err", err)
	}
	s.log.DebugContext(ctx, "upload resp", "status", resp.StatusCode, "body", string(data))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("response status code %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return target, nil
}
