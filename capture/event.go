package capture

import (
	"fmt"
	"time"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/emitter"
	"github.com/tuzkov/habitCam/recorder"
	"github.com/tuzkov/habitCam/timelapse"
)

type EventType string

const (
	EventState    EventType = "state"
	EventElapsed  EventType = "elapsed"
	EventCaptured EventType = "captured"
	EventStored   EventType = "stored"
	EventFailure  EventType = "failure"
)

// Event is pushed to the UI.
type Event struct {
	Type     EventType        `json:"type"`
	State    *Status          `json:"state,omitempty"`
	Elapsed  string           `json:"elapsed,omitempty"`
	Artifact *ArtifactInfo    `json:"artifact,omitempty"`
	Stored   *emitter.Stored  `json:"stored,omitempty"`
	Failure  *emitter.Failure `json:"failure,omitempty"`
}

type ArtifactInfo struct {
	Kind      artifact.Kind `json:"kind"`
	MimeType  string        `json:"mimeType"`
	Size      int           `json:"size"`
	Duration  string        `json:"duration,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func infoOf(a *artifact.Artifact) *ArtifactInfo {
	if a == nil {
		return nil
	}
	info := &ArtifactInfo{
		Kind:      a.Kind(),
		MimeType:  a.MimeType(),
		Size:      a.Size(),
		CreatedAt: a.CreatedAt(),
	}
	if a.Kind() == artifact.Video {
		info.Duration = a.Duration().String()
	}
	return info
}

// Status is the session as the UI sees it.
type Status struct {
	SessionID       string            `json:"sessionId"`
	Open            bool              `json:"open"`
	Mode            device.Mode       `json:"mode"`
	Facing          device.Facing     `json:"facing"`
	Acquiring       bool              `json:"acquiring"`
	Ready           bool              `json:"ready"`
	Recorder        recorder.State    `json:"recorder"`
	Elapsed         string            `json:"elapsed"`
	CanSwitchFacing bool              `json:"canSwitchFacing"`
	Pending         *ArtifactInfo     `json:"pending,omitempty"`
	Storing         bool              `json:"storing"`
	Finishing       bool              `json:"finishing"`
	Timelapse       *timelapse.Report `json:"timelapse,omitempty"`
	Failure         *emitter.Failure  `json:"failure,omitempty"`
}

// FormatElapsed renders d as mm:ss.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
