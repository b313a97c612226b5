package voicegate

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sebas/maitred/internal/mediastream"
)

// streamConn adapts a provider media stream socket to the engine's
// telephony interface. Writes are serialized; the agent loop and the
// telephony loop both send frames.
type streamConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(ws *websocket.Conn, log *slog.Logger) *streamConn {
	return &streamConn{ws: ws, log: log}
}

// ReadFrame returns the next stream frame. Malformed frames are dropped
// rather than ending the call; providers occasionally send noise.
func (c *streamConn) ReadFrame() (mediastream.Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return mediastream.Envelope{}, err
		}
		env, err := mediastream.Parse(data)
		if err != nil {
			c.log.Debug("dropping malformed stream frame", "error", err)
			continue
		}
		return env, nil
	}
}

func (c *streamConn) WriteFrame(env mediastream.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
