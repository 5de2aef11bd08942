// Package emitter hands finished artifacts to storage and turns capture
// errors into typed failures for the UI.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/eventloop"
)

// Payload is an artifact named and typed for storage.
type Payload struct {
	Name      string
	MimeType  string
	Size      int
	Kind      artifact.Kind
	CreatedAt time.Time
	Duration  time.Duration
	Body      io.Reader
}

// Package names a still capture-<unixms>.jpg and a video video-<unixms>.webm.
func Package(a *artifact.Artifact, now time.Time) Payload {
	name := fmt.Sprintf("video-%d.webm", now.UnixMilli())
	if a.Kind() == artifact.Still {
		name = fmt.Sprintf("capture-%d.jpg", now.UnixMilli())
	}
	return Payload{
		Name:      name,
		MimeType:  a.MimeType(),
		Size:      a.Size(),
		Kind:      a.Kind(),
		CreatedAt: a.CreatedAt(),
		Duration:  a.Duration(),
		Body:      a.Reader(),
	}
}

// Sink is the storage collaborator.
type Sink interface {
	// Store persists p and returns where it was stored.
	Store(ctx context.Context, p Payload) (string, error)
}

var ErrNoArtifact = errors.New("no artifact to emit")

// Stored describes a successful hand-off.
type Stored struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
	Location string `json:"location"`
}

type Emitter struct {
	log     *slog.Logger
	loop    eventloop.Loop
	sink    Sink
	timeout time.Duration
}

func New(log *slog.Logger, loop eventloop.Loop, sink Sink, timeout time.Duration) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Emitter{
		log:     log.With("svc", "emitter"),
		loop:    loop,
		sink:    sink,
		timeout: timeout,
	}
}

// Emit stores a off the loop and reports the result on it. Failed stores are
// not retried.
func (e *Emitter) Emit(a *artifact.Artifact, done func(Stored, *Failure)) {
	if a == nil {
		done(Stored{}, NewFailure(ErrNoArtifact))
		return
	}
	p := Package(a, e.loop.Now())

	var (
		location string
		err      error
	)
	e.loop.Async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		location, err = e.sink.Store(ctx, p)
	}, func() {
		if err != nil {
			e.log.Warn("fail to store artifact", "name", p.Name, "err", err)
			done(Stored{}, NewFailure(&StorageError{Err: err}))
			return
		}
		e.log.Info("artifact stored", "name", p.Name, "mime", p.MimeType, "size", p.Size, "location", location)
		done(Stored{Name: p.Name, MimeType: p.MimeType, Size: p.Size, Location: location}, nil)
	})
}
