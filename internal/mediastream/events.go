// Package mediastream defines the Twilio-compatible media stream framing
// spoken over the telephony WebSocket. Both the hosted-telephony server
// and the SIP bridge use these types, so the wire stays identical whether
// audio arrives from a provider stream or from our own RTP leg.
package mediastream

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Event names on the telephony WebSocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventClear     = "clear"
	EventStop      = "stop"
)

// Envelope is the outer frame of every message. Only the fields for the
// named event are populated.
type Envelope struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid,omitempty"`
	Start     *StartInfo `json:"start,omitempty"`
	Media     *MediaInfo `json:"media,omitempty"`
	Mark      *MarkInfo  `json:"mark,omitempty"`
}

// StartInfo carries per-call metadata on the start event.
type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaInfo carries one chunk of base64 µ-law audio. Timestamp is
// milliseconds since the start of the stream.
type MediaInfo struct {
	Payload   string `json:"payload"`
	Timestamp Millis `json:"timestamp,omitempty"`
}

// Millis is a millisecond timestamp that tolerates both JSON numbers
// and quoted strings on the wire. Hosted providers quote it, our own
// bridge does not.
type Millis int64

func (m Millis) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(m), 10), nil
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(v)
	return nil
}

// MarkInfo names a playback checkpoint. The receiver echoes the mark
// back once all media queued before it has been played out.
type MarkInfo struct {
	Name string `json:"name"`
}

// Parse decodes a raw frame. Unknown events decode fine; callers switch
// on Event and ignore what they do not handle.
func Parse(data []byte) (Envelope, error) {
	var ev Envelope
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Connected builds the handshake frame sent when the stream socket opens.
func Connected() Envelope {
	return Envelope{Event: EventConnected}
}

// Start builds the stream-start frame.
func Start(streamSid, callSid string, params map[string]string) Envelope {
	return Envelope{
		Event:     EventStart,
		StreamSid: streamSid,
		Start: &StartInfo{
			StreamSid:        streamSid,
			CallSid:          callSid,
			CustomParameters: params,
		},
	}
}

// Media builds an audio frame carrying base64 µ-law.
func Media(streamSid, payload string, timestampMS int64) Envelope {
	return Envelope{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaInfo{Payload: payload, Timestamp: Millis(timestampMS)},
	}
}

// Mark builds a mark frame.
func Mark(streamSid, name string) Envelope {
	return Envelope{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkInfo{Name: name},
	}
}

// Clear builds the buffered-audio discard frame.
func Clear(streamSid string) Envelope {
	return Envelope{Event: EventClear, StreamSid: streamSid}
}

// Stop builds the stream-stop frame.
func Stop(streamSid string) Envelope {
	return Envelope{Event: EventStop, StreamSid: streamSid}
}
