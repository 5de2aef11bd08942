package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tuzkov/habitCam/capture"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/emitter"
	"github.com/tuzkov/habitCam/recorder"
)

type modeRequest struct {
	Mode          string `json:"mode" binding:"required"`
	ConfirmRetake bool   `json:"confirmRetake"`
}

// rejections are answered with 409 and the sentinel's code.
var rejections = []struct {
	err  error
	code string
}{
	{capture.ErrRecordingInProgress, "RecordingInProgress"},
	{capture.ErrRetakeRequired, "RetakeRequired"},
	{capture.ErrArtifactPending, "ArtifactPending"},
	{capture.ErrNothingPending, "NothingPending"},
	{capture.ErrNotRecording, "NotRecording"},
	{capture.ErrWrongMode, "WrongMode"},
	{capture.ErrSingleCamera, "SingleCamera"},
	{capture.ErrClosed, "SessionClosed"},
	{capture.ErrAlreadyOpen, "SessionOpen"},
	{capture.ErrNoStream, "NoStream"},
	{capture.ErrStoreInProgress, "StoreInProgress"},
	{capture.ErrFinishing, "Finishing"},
	{recorder.ErrDiscarded, "Discarded"},
}

func failureFor(err error) (int, *emitter.Failure) {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return http.StatusConflict, emitter.Rejected(r.code, err)
		}
	}

	f := emitter.NewFailure(err)
	switch f.Kind {
	case emitter.KindDevice:
		if f.Code == string(device.PermissionDenied) {
			return http.StatusForbidden, f
		}
		return http.StatusServiceUnavailable, f
	case emitter.KindFrame, emitter.KindRecorder:
		return http.StatusServiceUnavailable, f
	case emitter.KindStorage:
		return http.StatusBadGateway, f
	case emitter.KindRejected:
		return http.StatusConflict, f
	}
	return http.StatusInternalServerError, f
}

func (srv *server) respondError(c *gin.Context, err error) {
	status, f := failureFor(err)
	srv.log.Debug("request failed", "path", c.Request.URL.Path, "status", status, "err", err)
	c.JSON(status, gin.H{"failure": f})
}

// call runs fn on the loop. On success the session state is returned.
func (srv *server) call(c *gin.Context, fn func() error) {
	var (
		err   error
		state capture.Status
	)
	if doErr := srv.loop.Do(c.Request.Context(), func() {
		err = fn()
		state = srv.sess.State()
	}); doErr != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		srv.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (srv *server) State(c *gin.Context) {
	srv.call(c, func() error { return nil })
}

func (srv *server) Open(c *gin.Context) {
	srv.call(c, srv.sess.Open)
}

func (srv *server) Close(c *gin.Context) {
	srv.call(c, func() error {
		srv.sess.Close()
		return nil
	})
}

func (srv *server) SetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := device.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	srv.call(c, func() error {
		return srv.sess.SetMode(mode, req.ConfirmRetake)
	})
}

func (srv *server) SwitchFacing(c *gin.Context) {
	srv.call(c, srv.sess.SwitchFacing)
}

func (srv *server) TakePhoto(c *gin.Context) {
	srv.call(c, func() error {
		_, err := srv.sess.TakePhoto()
		return err
	})
}

func (srv *server) StartRecording(c *gin.Context) {
	srv.call(c, srv.sess.StartRecording)
}

// StopRecording waits until the recording is finalised into the pending slot.
func (srv *server) StopRecording(c *gin.Context) {
	ctx := c.Request.Context()
	done := make(chan error, 1)

	var err error
	if doErr := srv.loop.Do(ctx, func() {
		err = srv.sess.StopRecording(func(_ *capture.ArtifactInfo, err error) {
			done <- err
		})
	}); doErr != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		srv.respondError(c, err)
		return
	}

	select {
	case err := <-done:
		if err != nil {
			srv.respondError(c, err)
			return
		}
		srv.State(c)
	case <-ctx.Done():
		c.AbortWithStatus(http.StatusGatewayTimeout)
	}
}

func (srv *server) Discard(c *gin.Context) {
	srv.call(c, srv.sess.Discard)
}

func (srv *server) Retake(c *gin.Context) {
	srv.call(c, srv.sess.Retake)
}

// Confirm waits for the store to finish.
func (srv *server) Confirm(c *gin.Context) {
	type result struct {
		stored  emitter.Stored
		failure *emitter.Failure
	}
	ctx := c.Request.Context()
	done := make(chan result, 1)

	var err error
	if doErr := srv.loop.Do(ctx, func() {
		err = srv.sess.Confirm(func(s emitter.Stored, f *emitter.Failure) {
			done <- result{stored: s, failure: f}
		})
	}); doErr != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		srv.respondError(c, err)
		return
	}

	select {
	case res := <-done:
		if res.failure != nil {
			srv.respondError(c, res.failure)
			return
		}
		c.JSON(http.StatusCreated, res.stored)
	case <-ctx.Done():
		c.AbortWithStatus(http.StatusGatewayTimeout)
	}
}

// Pending serves the captured artifact for review before confirming.
func (srv *server) Pending(c *gin.Context) {
	var (
		data []byte
		mime string
	)
	if err := srv.loop.Do(c.Request.Context(), func() {
		if a := srv.sess.Pending(); a != nil {
			data = a.Bytes()
			mime = a.MimeType()
		}
	}); err != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	if data == nil {
		srv.respondError(c, capture.ErrNothingPending)
		return
	}
	c.Data(http.StatusOK, mime, data)
}
