package sipbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/maitred/internal/media"
	"github.com/sebas/maitred/internal/mediastream"
)

// errStreamStopped ends the session when the media server sends stop.
var errStreamStopped = errors.New("stream stopped by media server")

// WSSession speaks the Twilio-compatible media stream protocol toward
// the voice server on behalf of one SIP call. Caller audio drains from
// the audio port to the socket; AI audio and control frames flow back
// into the port.
type WSSession struct {
	CallSID      string
	CallerPhone  string
	CalleePhone  string
	Direction    CallDirection
	CustomParams map[string]string
	WSTarget     string
	Port         *AudioPort
	MaxDuration  time.Duration
	Log          *slog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// Run connects to the WS target and bridges until the call ends, the
// server sends stop, or the duration cap fires. A nil return means the
// session ended in an orderly way; the caller still owns the SIP hangup.
func (s *WSSession) Run(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.WSTarget, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.WSTarget, err)
	}
	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()
	defer ws.Close()

	params := map[string]string{
		"callerPhone": s.CallerPhone,
		"direction":   string(s.Direction),
		"to":          s.CalleePhone,
	}
	for k, v := range s.CustomParams {
		params[k] = v
	}
	if err := s.writeJSON(mediastream.Start(s.CallSID, s.CallSID, params)); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	s.Log.Info("WS session started", "sid", shortSID(s.CallSID), "target", s.WSTarget)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sipToWS(gctx) })
	g.Go(func() error { return s.wsToSIP(gctx) })
	if s.MaxDuration > 0 {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(s.MaxDuration):
				s.Log.Info("max call duration reached", "sid", shortSID(s.CallSID), "limit", s.MaxDuration)
				return errStreamStopped
			}
		})
	}

	// The reader blocks in ws.ReadMessage; closing the socket unblocks it.
	go func() {
		<-gctx.Done()
		ws.Close()
	}()

	err = g.Wait()

	// Best effort: tell the media server the stream is over.
	_ = s.writeJSON(mediastream.Stop(s.CallSID))

	if errors.Is(err, errStreamStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

// sipToWS forwards caller audio frames with a monotonic millisecond
// timestamp and echoes playback marks once their audio was consumed.
func (s *WSSession) sipToWS(ctx context.Context) error {
	frameDur := media.CodecPCMU.SampleDur
	frameMS := int64(frameDur / time.Millisecond)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	var ts int64
	for {
		if frame, ok := s.Port.ReadCaller(); ok {
			payload := base64.StdEncoding.EncodeToString(frame)
			if err := s.writeJSON(mediastream.Media(s.CallSID, payload, ts)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("send media: %w", err)
			}
			ts += frameMS
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		for _, name := range s.Port.ReadyMarks() {
			s.Log.Debug("mark played out", "sid", shortSID(s.CallSID), "mark", name)
			if err := s.writeJSON(mediastream.Mark(s.CallSID, name)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("send mark: %w", err)
			}
		}
	}
}

// wsToSIP applies media server frames to the audio port.
func (s *WSSession) wsToSIP(ctx context.Context) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errStreamStopped
			}
			return fmt.Errorf("WS read: %w", err)
		}

		env, err := mediastream.Parse(data)
		if err != nil {
			s.Log.Debug("dropping malformed frame", "sid", shortSID(s.CallSID), "error", err)
			continue
		}

		switch env.Event {
		case mediastream.EventMedia:
			if env.Media == nil || env.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				s.Log.Debug("bad media payload", "sid", shortSID(s.CallSID), "error", err)
				continue
			}
			s.Port.FeedAudio(audio)

		case mediastream.EventClear:
			s.Log.Debug("clear received", "sid", shortSID(s.CallSID))
			s.Port.ClearAudio()

		case mediastream.EventMark:
			if env.Mark != nil {
				s.Port.QueueMark(env.Mark.Name)
			}

		case mediastream.EventStop:
			s.Log.Info("stop received, ending session", "sid", shortSID(s.CallSID))
			return errStreamStopped

		default:
			s.Log.Info("unknown stream event", "sid", shortSID(s.CallSID), "event", env.Event)
		}
	}
}

func (s *WSSession) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

// shortSID trims a call SID for log lines.
func shortSID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
