// Package artifact holds the immutable result of a capture.
package artifact

import (
	"bytes"
	"io"
	"time"
)

type Kind string

const (
	Still Kind = "still"
	Video Kind = "video"
)

const (
	MimeJPEG = "image/jpeg"
	MimeWebM = "video/webm"
)

// Artifact is a finished still image or video. Its bytes never change after
// construction; accessors return copies or read-only views.
type Artifact struct {
	kind      Kind
	data      []byte
	createdAt time.Time
	duration  time.Duration
}

func NewStill(jpeg []byte, createdAt time.Time) *Artifact {
	return &Artifact{
		kind:      Still,
		data:      bytes.Clone(jpeg),
		createdAt: createdAt,
	}
}

// NewVideo concatenates chunks, in order, into one video artifact. duration
// is the recorded (active) duration.
func NewVideo(chunks [][]byte, createdAt time.Time, duration time.Duration) *Artifact {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return &Artifact{
		kind:      Video,
		data:      data,
		createdAt: createdAt,
		duration:  duration,
	}
}

func (a *Artifact) Kind() Kind {
	return a.kind
}

func (a *Artifact) MimeType() string {
	if a.kind == Still {
		return MimeJPEG
	}
	return MimeWebM
}

func (a *Artifact) Size() int {
	return len(a.data)
}

// Bytes returns a copy of the content.
func (a *Artifact) Bytes() []byte {
	return bytes.Clone(a.data)
}

func (a *Artifact) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

func (a *Artifact) CreatedAt() time.Time {
	return a.createdAt
}

// Duration is zero for stills.
func (a *Artifact) Duration() time.Duration {
	return a.duration
}
