// Package realtime is the client for the OpenAI realtime
// speech-to-speech WebSocket endpoint. It handles the authenticated
// dial, session configuration, and typed encoding/decoding of the
// event protocol. Audio crosses this boundary as base64 µ-law, the
// same representation the telephony leg uses, so no transcoding
// happens here.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// DefaultURL is the realtime endpoint with the speech-to-speech model.
const DefaultURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-12-17"

// VADConfig tunes server-side turn detection.
type VADConfig struct {
	Threshold       float64 // 0.0-1.0 speech detection sensitivity
	SilenceMS       int     // silence before end of turn
	PrefixPaddingMS int     // audio kept before detected speech
}

// DefaultVAD matches the values the agent is tuned for.
var DefaultVAD = VADConfig{Threshold: 0.5, SilenceMS: 500, PrefixPaddingMS: 300}

// SessionConfig is everything session.update carries: persona, tools,
// and turn detection. Tools is raw JSON straight from the business API.
type SessionConfig struct {
	Voice        string
	Instructions string
	Tools        json.RawMessage
	VAD          VADConfig
}

// Conn is a realtime session. Writes are serialized; reads belong to a
// single reader goroutine so event ordering within a turn is preserved.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	wmu    sync.Mutex
	closed bool
}

// Dial connects and authenticates to the realtime endpoint.
func Dial(ctx context.Context, url, apiKey string, log *slog.Logger) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return &Conn{ws: ws, log: log}, nil
}

func (c *Conn) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return fmt.Errorf("realtime: connection closed")
	}
	return c.ws.WriteJSON(v)
}

// UpdateSession pushes the session configuration. Audio is g711_ulaw
// in both directions so telephony frames pass through unchanged.
func (c *Conn) UpdateSession(cfg SessionConfig) error {
	voice := cfg.Voice
	if voice == "" {
		voice = "sage"
	}
	tools := cfg.Tools
	if len(tools) == 0 {
		tools = json.RawMessage("[]")
	}
	return c.send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           cfg.VAD.Threshold,
				"silence_duration_ms": cfg.VAD.SilenceMS,
				"prefix_padding_ms":   cfg.VAD.PrefixPaddingMS,
			},
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"voice":               voice,
			"instructions":        cfg.Instructions,
			"modalities":          []string{"text", "audio"},
			"temperature":         0.7,
			"tools":               tools,
			"tool_choice":         "auto",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
}

// AppendAudio feeds one chunk of base64 µ-law caller audio.
func (c *Conn) AppendAudio(payloadB64 string) error {
	return c.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payloadB64,
	})
}

// CreateUserMessage injects a text turn as if the caller had typed it.
// Used for the greeting directive at call start.
func (c *Conn) CreateUserMessage(text string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// CreateFunctionOutput returns a tool result for the given call id.
func (c *Conn) CreateFunctionOutput(callID, output string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// CreateResponse asks the model to produce its next turn.
func (c *Conn) CreateResponse() error {
	return c.send(map[string]any{"type": "response.create"})
}

// TruncateItem cuts an assistant item at audioEndMS, aligning the
// model's notion of what was said with what the caller actually heard
// before interrupting.
func (c *Conn) TruncateItem(itemID string, audioEndMS int64) error {
	return c.send(map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMS,
	})
}

// ReadEvent blocks for the next server event. Call from one goroutine
// only.
func (c *Conn) ReadEvent() (Event, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	ev, err := ParseEvent(data)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if ev.Type == EventError && ev.Error != nil {
		c.log.Error("realtime error event",
			"error_type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
	}
	return ev, nil
}

// Close shuts the session down. Safe to call more than once.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
