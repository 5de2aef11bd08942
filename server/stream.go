package server

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tuzkov/habitCam/capture"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/photo"
)

func (srv *server) snapshot(ctx context.Context) ([]byte, error) {
	var stream device.Stream
	if err := srv.loop.Do(ctx, func() {
		stream = srv.sess.CurrentStream()
	}); err != nil {
		return nil, fmt.Errorf("fail to read session: %w", err)
	}
	if stream == nil {
		return nil, capture.ErrNoStream
	}

	frame, ok := stream.LatestFrame()
	if !ok {
		return nil, &photo.FrameError{Kind: photo.StreamNotReady}
	}
	return photo.Encode(frame)
}

func (srv *server) Snapshot(c *gin.Context) {
	srv.log.Debug("Snapshot call")
	frame, err := srv.snapshot(c.Request.Context())
	if err != nil {
		srv.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

// frames encodes the live stream every StreamInterval until ctx is done.
// Frames that cannot be produced are skipped.
func (srv *server) frames(ctx context.Context) chan []byte {
	stream := make(chan []byte, 10)

	go func() {
		defer close(stream)
		after := time.After(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-after:
			}
			after = time.After(srv.cfg.StreamInterval)

			image, err := srv.snapshot(ctx)
			if err != nil {
				srv.log.Debug("fail to get frame", "err", err)
				continue
			}
			select {
			case stream <- image:
			default:
				srv.log.Warn("buffer overflow")
			}
		}
	}()

	return stream
}

func (srv *server) Stream(c *gin.Context) {
	srv.log.Info("Started stream")
	defer srv.log.Info("Finished stream")

	const boundary = `frame`
	c.Header("Content-Type", `multipart/x-mixed-replace;boundary=`+boundary)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	mpWriter := multipart.NewWriter(c.Writer)
	if err := mpWriter.SetBoundary(boundary); err != nil {
		srv.log.Error("fail to set boundary", "err", err)
		return
	}

	ctx := c.Request.Context()
	stream := srv.frames(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}

			iw, err := mpWriter.CreatePart(textproto.MIMEHeader{
				"Content-Type":   []string{"image/jpeg"},
				"Content-Length": []string{strconv.Itoa(len(frame))},
			})
			if err != nil {
				srv.log.Error("fail to send part", "err", err)
				return
			}

			if _, err := iw.Write(frame); err != nil {
				srv.log.Error("fail to write part", "err", err)
				return
			}
			c.Writer.Flush()
		}
	}
}
