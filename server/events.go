package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tuzkov/habitCam/capture"
)

const (
	eventBuffer  = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Events streams capture events as JSON text messages. The current state is
// sent first.
func (srv *server) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan capture.Event, eventBuffer)
	var unsubscribe func()
	// runs after the subscribe closure even when Do gave up waiting for it
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_ = srv.loop.Do(unsubCtx, func() {
			if unsubscribe != nil {
				unsubscribe()
			}
		})
	}()

	if err := srv.loop.Do(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		st := srv.sess.State()
		events <- capture.Event{Type: capture.EventState, State: &st}
		unsubscribe = srv.sess.Subscribe(func(e capture.Event) {
			select {
			case events <- e:
			default:
				srv.log.Warn("event buffer overflow, dropping", "type", e.Type)
			}
		})
	}); err != nil {
		srv.log.Debug("fail to subscribe to events", "err", err)
		return
	}

	// reader detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	srv.log.Debug("events subscriber connected")
	for {
		select {
		case <-ctx.Done():
			srv.log.Debug("events subscriber gone")
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				srv.log.Debug("fail to write event", "err", err)
				return
			}
		}
	}
}
