package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzkov/habitCam/artifact"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/emitter"
	"github.com/tuzkov/habitCam/eventloop"
	"github.com/tuzkov/habitCam/photo"
	"github.com/tuzkov/habitCam/recorder"
	"github.com/tuzkov/habitCam/timelapse"
)

type memSink struct {
	names []string
	err   error
}

func (s *memSink) Store(ctx context.Context, p emitter.Payload) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if _, err := io.ReadAll(p.Body); err != nil {
		return "", err
	}
	s.names = append(s.names, p.Name)
	return "mem://" + p.Name, nil
}

type harness struct {
	loop    *eventloop.Manual
	src     *device.MockSource
	backend *recorder.MockBackend
	sink    *memSink
	sess    *Session
	events  []Event
}

func newHarness(t *testing.T, mode device.Mode) *harness {
	t.Helper()
	h := &harness{
		loop: eventloop.NewManual(time.Unix(1000, 0)),
		src: device.NewMockSource(
			device.CameraInfo{ID: "0", Facing: device.FacingUser},
			device.CameraInfo{ID: "1", Facing: device.FacingEnvironment},
		),
		backend: recorder.NewMockBackend(),
		sink:    &memSink{},
	}
	h.src.SetAutoFrame(true)

	cfg := DefaultConfig()
	cfg.Mode = mode
	h.sess = NewSession(nil, h.loop, h.src, h.backend, h.sink, cfg)
	h.sess.Subscribe(func(e Event) { h.events = append(h.events, e) })

	require.NoError(t, h.sess.Open())
	h.loop.Flush()
	require.NotNil(t, h.sess.CurrentStream())
	return h
}

// stop ends the recording and waits for the artifact.
func (h *harness) stop(t *testing.T) *ArtifactInfo {
	t.Helper()
	var (
		info *ArtifactInfo
		err  error
		ran  bool
	)
	require.NoError(t, h.sess.StopRecording(func(i *ArtifactInfo, e error) {
		info, err, ran = i, e, true
	}))
	h.loop.Flush()
	require.True(t, ran)
	require.NoError(t, err)
	require.NotNil(t, info)
	return info
}

func (h *harness) last(typ EventType) *Event {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == typ {
			return &h.events[i]
		}
	}
	return nil
}

func TestOpenAcquiresForMode(t *testing.T) {
	h := newHarness(t, device.ModeVideo)

	st := h.sess.State()
	assert.True(t, st.Open)
	assert.True(t, st.Ready)
	assert.False(t, st.Acquiring)
	assert.True(t, st.CanSwitchFacing)
	assert.Equal(t, device.ModeVideo, st.Mode)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, h.sess.CurrentStream().Constraints().Audio)

	assert.ErrorIs(t, h.sess.Open(), ErrAlreadyOpen)
}

func TestPhotoRetakeConfirm(t *testing.T) {
	h := newHarness(t, device.ModePhoto)

	info, err := h.sess.TakePhoto()
	require.NoError(t, err)
	assert.Equal(t, artifact.Still, info.Kind)
	assert.NotNil(t, h.last(EventCaptured))

	_, err = h.sess.TakePhoto()
	assert.ErrorIs(t, err, ErrArtifactPending)

	require.NoError(t, h.sess.Retake())
	assert.Nil(t, h.sess.Pending())

	_, err = h.sess.TakePhoto()
	require.NoError(t, err)

	var stored emitter.Stored
	require.NoError(t, h.sess.Confirm(func(s emitter.Stored, f *emitter.Failure) {
		require.Nil(t, f)
		stored = s
	}))
	h.loop.Flush()

	assert.Equal(t, "capture-1000000.jpg", stored.Name)
	assert.Equal(t, []string{"capture-1000000.jpg"}, h.sink.names)
	assert.Nil(t, h.sess.Pending())
	require.NotNil(t, h.last(EventStored))

	assert.ErrorIs(t, h.sess.Confirm(nil), ErrNothingPending)
}

func TestConfirmFailureKeepsArtifact(t *testing.T) {
	h := newHarness(t, device.ModePhoto)
	h.sink.err = errors.New("offline")

	_, err := h.sess.TakePhoto()
	require.NoError(t, err)
	require.NoError(t, h.sess.Confirm(nil))
	h.loop.Flush()

	assert.NotNil(t, h.sess.Pending())
	ev := h.last(EventFailure)
	require.NotNil(t, ev)
	assert.Equal(t, emitter.KindStorage, ev.Failure.Kind)
}

func TestConfirmStoresOnce(t *testing.T) {
	h := newHarness(t, device.ModePhoto)
	_, err := h.sess.TakePhoto()
	require.NoError(t, err)

	require.NoError(t, h.sess.Confirm(nil))
	assert.True(t, h.sess.State().Storing)

	assert.ErrorIs(t, h.sess.Confirm(nil), ErrStoreInProgress)
	assert.ErrorIs(t, h.sess.Discard(), ErrStoreInProgress)
	assert.ErrorIs(t, h.sess.Retake(), ErrStoreInProgress)
	assert.ErrorIs(t, h.sess.SetMode(device.ModeVideo, true), ErrStoreInProgress)
	require.NotNil(t, h.sess.Pending())

	h.loop.Flush()
	assert.Equal(t, []string{"capture-1000000.jpg"}, h.sink.names)
	assert.False(t, h.sess.State().Storing)
	assert.Nil(t, h.sess.Pending())
}

func TestConfirmAgainAfterFailedStore(t *testing.T) {
	h := newHarness(t, device.ModePhoto)
	h.sink.err = errors.New("offline")
	_, err := h.sess.TakePhoto()
	require.NoError(t, err)

	require.NoError(t, h.sess.Confirm(nil))
	h.loop.Flush()
	assert.False(t, h.sess.State().Storing)

	h.sink.err = nil
	require.NoError(t, h.sess.Confirm(nil))
	h.loop.Flush()
	assert.Equal(t, []string{"capture-1000000.jpg"}, h.sink.names)
	assert.Nil(t, h.sess.Pending())
}

func TestPhotoBeforeFirstFrame(t *testing.T) {
	h := newHarness(t, device.ModePhoto)
	h.src.SetAutoFrame(false)

	require.NoError(t, h.sess.SwitchFacing())
	h.loop.Flush()

	_, err := h.sess.TakePhoto()
	assert.ErrorIs(t, err, photo.ErrStreamNotReady)
	assert.Equal(t, emitter.KindFrame, h.last(EventFailure).Failure.Kind)

	h.src.Last().Deliver(device.TestFrame(64, 48))
	_, err = h.sess.TakePhoto()
	assert.NoError(t, err)
}

func TestPhotoInVideoModeRejected(t *testing.T) {
	h := newHarness(t, device.ModeVideo)
	_, err := h.sess.TakePhoto()
	assert.ErrorIs(t, err, ErrWrongMode)

	h2 := newHarness(t, device.ModePhoto)
	assert.ErrorIs(t, h2.sess.StartRecording(), ErrWrongMode)
}

func TestVideoRecording(t *testing.T) {
	h := newHarness(t, device.ModeVideo)

	require.NoError(t, h.sess.StartRecording())
	enc := h.backend.Last()
	assert.Equal(t, recorder.CodecVP8, enc.Options().Codec)
	assert.Equal(t, 1_000_000, enc.Options().BitrateCeiling)

	enc.Emit([]byte("web"))
	h.loop.Advance(3500 * time.Millisecond)
	enc.Emit([]byte("m"))
	h.loop.Flush()

	ev := h.last(EventElapsed)
	require.NotNil(t, ev)
	assert.Equal(t, "00:03", ev.Elapsed)

	info := h.stop(t)
	assert.Equal(t, artifact.Video, info.Kind)
	assert.Equal(t, "webm", string(h.sess.Pending().Bytes()))

	// no more elapsed events after stop
	n := len(h.events)
	h.loop.Advance(5 * time.Second)
	assert.Len(t, h.events, n)

	assert.ErrorIs(t, h.sess.StopRecording(nil), ErrNotRecording)
}

func TestStopRecordingFinalisesOffLoop(t *testing.T) {
	h := newHarness(t, device.ModeVideo)
	require.NoError(t, h.sess.StartRecording())
	enc := h.backend.Last()
	enc.Emit([]byte("webm"))
	h.loop.Advance(time.Second)

	var info *ArtifactInfo
	require.NoError(t, h.sess.StopRecording(func(i *ArtifactInfo, err error) {
		require.NoError(t, err)
		info = i
	}))

	st := h.sess.State()
	assert.Equal(t, recorder.Stopped, st.Recorder)
	assert.True(t, st.Finishing)
	assert.Nil(t, st.Pending)
	assert.False(t, enc.Stopped())
	assert.ErrorIs(t, h.sess.StartRecording(), ErrFinishing)
	assert.ErrorIs(t, h.sess.SetMode(device.ModePhoto, true), ErrFinishing)
	assert.ErrorIs(t, h.sess.StopRecording(nil), ErrNotRecording)

	h.loop.Flush()
	require.NotNil(t, info)
	assert.True(t, enc.Stopped())
	assert.Equal(t, "webm", string(h.sess.Pending().Bytes()))
	assert.False(t, h.sess.State().Finishing)
	assert.NotNil(t, h.last(EventCaptured))
}

func TestDiscardWhileFinishing(t *testing.T) {
	h := newHarness(t, device.ModeVideo)
	require.NoError(t, h.sess.StartRecording())
	h.backend.Last().Emit([]byte("webm"))

	var stopErr error
	require.NoError(t, h.sess.StopRecording(func(_ *ArtifactInfo, err error) { stopErr = err }))
	require.NoError(t, h.sess.Discard())
	h.loop.Flush()

	assert.ErrorIs(t, stopErr, recorder.ErrDiscarded)
	assert.Nil(t, h.sess.Pending())
	assert.Nil(t, h.last(EventCaptured))
	assert.Equal(t, recorder.Idle, h.sess.State().Recorder)
	require.NoError(t, h.sess.StartRecording())
}

func TestComponentLoggersKeepOwnService(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	loop := eventloop.NewManual(time.Unix(0, 0))
	sess := NewSession(log, loop, device.NewMockSource(), recorder.NewMockBackend(), &memSink{}, DefaultConfig())

	require.NoError(t, sess.Open())
	loop.Flush()

	assert.Contains(t, buf.String(), "svc=device")
	assert.Contains(t, buf.String(), "svc=session")
	assert.NotContains(t, buf.String(), "svc=session svc=")
}

func TestModeSwitchRejectedWhileRecording(t *testing.T) {
	h := newHarness(t, device.ModeTimelapse)
	require.NoError(t, h.sess.StartRecording())

	assert.ErrorIs(t, h.sess.SetMode(device.ModePhoto, true), ErrRecordingInProgress)
	h.loop.Advance(250 * time.Millisecond)
	require.Equal(t, recorder.Paused, h.sess.State().Recorder)
	assert.ErrorIs(t, h.sess.SetMode(device.ModePhoto, true), ErrRecordingInProgress)
	assert.ErrorIs(t, h.sess.SwitchFacing(), ErrRecordingInProgress)

	require.NoError(t, h.sess.Discard())
	require.NoError(t, h.sess.SetMode(device.ModePhoto, false))
	h.loop.Flush()

	st := h.sess.State()
	assert.Equal(t, device.ModePhoto, st.Mode)
	assert.Equal(t, recorder.Idle, st.Recorder)
	assert.Equal(t, device.DefaultResolutions.Photo, h.sess.CurrentStream().Constraints().Resolution)
	assert.Equal(t, 1, h.src.MaxLive())
}

func TestModeSwitchRetake(t *testing.T) {
	h := newHarness(t, device.ModeVideo)
	require.NoError(t, h.sess.StartRecording())
	h.stop(t)

	assert.ErrorIs(t, h.sess.SetMode(device.ModeTimelapse, false), ErrRetakeRequired)
	assert.NotNil(t, h.sess.Pending())

	require.NoError(t, h.sess.SetMode(device.ModeTimelapse, true))
	assert.Nil(t, h.sess.Pending())
	h.loop.Flush()

	assert.False(t, h.sess.CurrentStream().Constraints().Audio)
	require.NoError(t, h.sess.StartRecording())
}

func TestTimelapseRecording(t *testing.T) {
	h := newHarness(t, device.ModeTimelapse)
	require.NoError(t, h.sess.StartRecording())

	h.loop.Advance(2500 * time.Millisecond)
	info := h.stop(t)
	assert.Equal(t, "500ms", info.Duration)

	st := h.sess.State()
	require.NotNil(t, st.Timelapse)
	assert.Equal(t, timelapse.Finished, st.Timelapse.Outcome)
	assert.InDelta(t, 5.0, st.Timelapse.Achieved, 0.001)

	pauses, resumes := h.backend.Last().Toggles()
	h.loop.Advance(10 * time.Second)
	p, r := h.backend.Last().Toggles()
	assert.Equal(t, pauses, p)
	assert.Equal(t, resumes, r)
	assert.Equal(t, 0, h.loop.PendingTimers())
}

func TestStreamLostMidTimelapse(t *testing.T) {
	h := newHarness(t, device.ModeTimelapse)
	require.NoError(t, h.sess.StartRecording())
	h.loop.Advance(300 * time.Millisecond)

	h.src.Last().Lose()
	require.Eventually(t, func() bool {
		h.loop.Flush()
		return h.sess.CurrentStream() == nil
	}, time.Second, time.Millisecond)

	st := h.sess.State()
	assert.Equal(t, recorder.Stopped, st.Recorder)
	assert.Nil(t, st.Pending)
	require.NotNil(t, st.Timelapse)
	assert.Equal(t, timelapse.Cancelled, st.Timelapse.Outcome)
	assert.True(t, h.backend.Last().Aborted())

	ev := h.last(EventFailure)
	require.NotNil(t, ev)
	assert.Equal(t, emitter.KindDevice, ev.Failure.Kind)
	assert.Equal(t, "NotFound", ev.Failure.Code)

	h.loop.Advance(5 * time.Second)
	assert.Equal(t, 0, h.loop.PendingTimers())

	// retake re-acquires
	require.NoError(t, h.sess.Retake())
	h.loop.Flush()
	assert.NotNil(t, h.sess.CurrentStream())
	assert.Equal(t, recorder.Idle, h.sess.State().Recorder)
}

func TestAcquireFailureReported(t *testing.T) {
	h := newHarness(t, device.ModePhoto)
	h.src.FailNext(&device.DeviceError{Kind: device.PermissionDenied})

	require.NoError(t, h.sess.SwitchFacing())
	h.loop.Flush()

	st := h.sess.State()
	assert.False(t, st.Ready)
	require.NotNil(t, st.Failure)
	assert.Equal(t, "PermissionDenied", st.Failure.Code)
	assert.Contains(t, st.Failure.Message, "granted permission")
}

func TestSwitchFacingNeverTwoStreams(t *testing.T) {
	h := newHarness(t, device.ModePhoto)

	require.NoError(t, h.sess.SwitchFacing())
	require.NoError(t, h.sess.SwitchFacing())
	require.NoError(t, h.sess.SwitchFacing())
	h.loop.Flush()

	assert.Equal(t, 1, h.src.MaxLive())
	assert.Equal(t, 1, h.src.Live())
	assert.Equal(t, device.FacingEnvironment, h.sess.State().Facing)
	assert.Equal(t, device.FacingEnvironment, h.sess.CurrentStream().Constraints().Facing)
}

func TestSingleCameraCannotSwitch(t *testing.T) {
	loop := eventloop.NewManual(time.Unix(0, 0))
	src := device.NewMockSource()
	sess := NewSession(nil, loop, src, recorder.NewMockBackend(), &memSink{}, DefaultConfig())
	require.NoError(t, sess.Open())
	loop.Flush()

	assert.False(t, sess.State().CanSwitchFacing)
	assert.ErrorIs(t, sess.SwitchFacing(), ErrSingleCamera)
}

func TestCloseDuringAcquisition(t *testing.T) {
	loop := eventloop.NewManual(time.Unix(0, 0))
	src := device.NewMockSource()
	sess := NewSession(nil, loop, src, recorder.NewMockBackend(), &memSink{}, DefaultConfig())

	require.NoError(t, sess.Open())
	sess.Close()
	loop.Flush()

	assert.Equal(t, 0, src.Live())
	assert.Nil(t, sess.CurrentStream())
	assert.False(t, sess.State().Open)

	_, err := sess.TakePhoto()
	assert.ErrorIs(t, err, ErrClosed)

	// a closed session can be opened again
	require.NoError(t, sess.Open())
	loop.Flush()
	assert.NotNil(t, sess.CurrentStream())
	assert.Equal(t, 1, src.Live())
}

func TestCloseWhileRecording(t *testing.T) {
	h := newHarness(t, device.ModeTimelapse)
	require.NoError(t, h.sess.StartRecording())
	h.loop.Advance(120 * time.Millisecond)

	h.sess.Close()
	h.loop.Advance(5 * time.Second)

	assert.Equal(t, 0, h.src.Live())
	assert.True(t, h.backend.Last().Aborted())
	assert.Equal(t, 0, h.loop.PendingTimers())
	assert.Equal(t, recorder.Idle, h.sess.State().Recorder)
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00", FormatElapsed(0))
	assert.Equal(t, "00:59", FormatElapsed(59*time.Second+900*time.Millisecond))
	assert.Equal(t, "61:01", FormatElapsed(61*time.Minute+time.Second))
}
