package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/eventloop"
)

func newTestController(t *testing.T, codecs ...Codec) (*Controller, *MockBackend, *eventloop.Manual, device.Stream) {
	t.Helper()
	loop := eventloop.NewManual(time.Unix(0, 0))
	backend := NewMockBackend(codecs...)
	src := device.NewMockSource()
	s, err := src.Open(context.Background(), device.ConstraintsFor(device.ModeVideo, device.FacingUser, device.DefaultResolutions))
	require.NoError(t, err)
	return NewController(nil, loop, backend), backend, loop, s
}

func TestRecordingLifecycle(t *testing.T) {
	c, backend, loop, s := newTestController(t)
	backend.SetTail([]byte("!"))

	require.NoError(t, c.Start(s, Options{Codec: CodecVP9, BitrateCeiling: 2_500_000}))
	assert.Equal(t, Recording, c.State())
	assert.Equal(t, CodecVP9, c.Codec())

	enc := backend.Last()
	enc.Emit([]byte("ab"))
	enc.Emit([]byte("cd"))
	loop.Advance(time.Second)

	a, err := c.Stop()
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, artifact.Video, a.Kind())
	assert.Equal(t, "abcd!", string(a.Bytes()))
	assert.Equal(t, time.Second, a.Duration())

	again, err := c.Stop()
	require.NoError(t, err)
	assert.Same(t, a, again)

	c.Reset()
	assert.Equal(t, Idle, c.State())
	require.NoError(t, c.Start(s, Options{}))
}

func TestStartRequiresIdle(t *testing.T) {
	c, _, _, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))
	assert.ErrorIs(t, c.Start(s, Options{}), ErrInvalidState)

	_, err := c.Stop()
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(s, Options{}), ErrInvalidState)
}

func TestStopBeforeStart(t *testing.T) {
	c, _, _, _ := newTestController(t)
	_, err := c.Stop()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPauseResumeIdempotent(t *testing.T) {
	c, backend, loop, s := newTestController(t)

	c.Pause()
	c.Resume()
	assert.Equal(t, Idle, c.State())

	require.NoError(t, c.Start(s, Options{}))
	enc := backend.Last()

	c.Resume()
	assert.Equal(t, Recording, c.State())

	c.Pause()
	c.Pause()
	assert.Equal(t, Paused, c.State())

	c.Resume()
	c.Resume()
	assert.Equal(t, Recording, c.State())

	pauses, resumes := enc.Toggles()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)

	loop.Flush()
	_, err := c.Stop()
	require.NoError(t, err)
	c.Pause()
	c.Resume()
	assert.Equal(t, Stopped, c.State())
}

func TestChunkOnlyWhileRecording(t *testing.T) {
	c, _, _, s := newTestController(t)

	c.OnChunk([]byte("idle"))
	assert.Equal(t, 0, c.Buffer().Len())

	require.NoError(t, c.Start(s, Options{}))
	c.OnChunk([]byte("a"))
	c.Pause()
	c.OnChunk([]byte("paused"))
	c.Resume()
	c.OnChunk([]byte("b"))
	assert.Equal(t, 2, c.Buffer().Len())

	a, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, "ab", string(a.Bytes()))

	c.OnChunk([]byte("late"))
	assert.Equal(t, 0, c.Buffer().Len())
	again, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, "ab", string(again.Bytes()))
}

func TestPausedOutputHeldUntilResume(t *testing.T) {
	c, backend, loop, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))
	enc := backend.Last()

	enc.Emit([]byte("a"))
	loop.Flush()
	c.Pause()

	enc.Emit([]byte("b"))
	loop.Flush()
	assert.Equal(t, 1, c.Buffer().Len())

	c.Resume()
	loop.Flush()
	assert.Equal(t, 2, c.Buffer().Len())
}

func TestChunkPostedBeforeStopIsDropped(t *testing.T) {
	c, backend, loop, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))
	enc := backend.Last()

	enc.Emit([]byte("a"))
	a, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, "a", string(a.Bytes()))

	// the drain queued by Emit runs after Stop
	loop.Flush()
	again, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, "a", string(again.Bytes()))
}

func TestCodecFallback(t *testing.T) {
	c, backend, _, s := newTestController(t, CodecVP8)

	require.NoError(t, c.Start(s, Options{Codec: CodecVP9}))
	assert.Equal(t, CodecVP8, c.Codec())
	assert.Equal(t, CodecVP8, backend.Last().Options().Codec)
}

func TestRecorderUnavailable(t *testing.T) {
	c, backend, _, s := newTestController(t)
	backend.FailStart(errors.New("no encoder"))

	err := c.Start(s, Options{Codec: CodecVP9})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, Idle, c.State())

	c2, _, _, s2 := newTestController(t, Codec("h264"))
	assert.ErrorIs(t, c2.Start(s2, Options{}), ErrUnavailable)
}

func TestDiscard(t *testing.T) {
	c, backend, _, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))
	c.OnChunk([]byte("a"))

	c.Discard()
	assert.Equal(t, Stopped, c.State())
	assert.True(t, backend.Last().Aborted())
	assert.Equal(t, 0, c.Buffer().Len())

	a, err := c.Stop()
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestActiveDurationExcludesPauses(t *testing.T) {
	c, _, loop, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))

	loop.Advance(100 * time.Millisecond)
	c.Pause()
	loop.Advance(400 * time.Millisecond)
	c.Resume()
	loop.Advance(100 * time.Millisecond)

	assert.Equal(t, 200*time.Millisecond, c.ActiveDuration())
	assert.Equal(t, 600*time.Millisecond, c.Elapsed())

	c.Pause()
	_, err := c.Stop()
	require.NoError(t, err)
	loop.Advance(time.Second)
	assert.Equal(t, 200*time.Millisecond, c.ActiveDuration())
	assert.Equal(t, 600*time.Millisecond, c.Elapsed())
}

func TestParseEncoders(t *testing.T) {
	output := []byte(`Encoders:
 V..... = Video
 ------
 V....D libvpx               libvpx VP8 (codec vp8)
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 A....D libopus              libopus Opus (codec opus)
`)
	got := parseEncoders(output)
	assert.True(t, got["libvpx"])
	assert.True(t, got["libopus"])
	assert.False(t, got["libvpx-vp9"])
}

func TestFinishRunsEncoderOffLoop(t *testing.T) {
	c, backend, loop, s := newTestController(t)
	backend.SetTail([]byte("!"))
	require.NoError(t, c.Start(s, Options{}))
	enc := backend.Last()

	enc.Emit([]byte("ab"))
	loop.Advance(2 * time.Second)

	var (
		got    *artifact.Artifact
		gotErr error
		calls  int
	)
	require.NoError(t, c.Finish(func(a *artifact.Artifact, err error) {
		got, gotErr = a, err
		calls++
	}))
	assert.Equal(t, Stopped, c.State())
	assert.True(t, c.Finishing())
	assert.False(t, enc.Stopped())
	assert.Nil(t, got)

	// a second Finish while the first is running is refused
	assert.ErrorIs(t, c.Finish(func(*artifact.Artifact, error) {}), ErrInvalidState)

	loop.Flush()
	require.NoError(t, gotErr)
	require.NotNil(t, got)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "ab!", string(got.Bytes()))
	assert.Equal(t, 2*time.Second, got.Duration())
	assert.False(t, c.Finishing())

	var again *artifact.Artifact
	require.NoError(t, c.Finish(func(a *artifact.Artifact, err error) { again = a }))
	loop.Flush()
	assert.Same(t, got, again)
}

func TestResetWhileFinishingDropsResult(t *testing.T) {
	c, backend, loop, s := newTestController(t)
	require.NoError(t, c.Start(s, Options{}))
	backend.Last().Emit([]byte("ab"))

	var gotErr error
	require.NoError(t, c.Finish(func(a *artifact.Artifact, err error) {
		assert.Nil(t, a)
		gotErr = err
	}))
	c.Reset()
	loop.Flush()

	assert.ErrorIs(t, gotErr, ErrDiscarded)
	assert.Equal(t, Idle, c.State())
	assert.False(t, c.Finishing())
	require.NoError(t, c.Start(s, Options{}))
}

func TestFinishBeforeStart(t *testing.T) {
	c, _, _, _ := newTestController(t)
	assert.ErrorIs(t, c.Finish(func(*artifact.Artifact, error) {}), ErrNotStarted)
}
