package realtime

import "encoding/json"

// Server event types the bridge reacts to. Everything else is passed
// over (optionally logged).
const (
	EventError                       = "error"
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventResponseDone                = "response.done"
	EventAudioDelta                  = "response.audio.delta"
	EventAudioDone                   = "response.audio.done"
	EventAudioTranscriptDone         = "response.audio_transcript.done"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventOutputItemAdded             = "response.output_item.added"
	EventFunctionCallArgumentsDone   = "response.function_call_arguments.done"
)

// Event is one decoded server event. Only the fields relevant to the
// event type are set.
type Event struct {
	Type       string        `json:"type"`
	Delta      string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Name       string        `json:"name,omitempty"`
	CallID     string        `json:"call_id,omitempty"`
	Arguments  string        `json:"arguments,omitempty"`
	Item       *Item         `json:"item,omitempty"`
	Error      *ErrorInfo    `json:"error,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
	Session    *SessionInfo  `json:"session,omitempty"`
}

// Item is the conversation item attached to output_item events.
type Item struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// ErrorInfo carries the error detail of an error event.
type ErrorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseInfo carries the response summary of response.done.
type ResponseInfo struct {
	Usage *Usage `json:"usage,omitempty"`
}

// Usage is the token accounting attached to response.done.
type Usage struct {
	TotalTokens        int           `json:"total_tokens"`
	InputTokens        int           `json:"input_tokens"`
	OutputTokens       int           `json:"output_tokens"`
	InputTokenDetails  *TokenDetails `json:"input_token_details,omitempty"`
	OutputTokenDetails *TokenDetails `json:"output_token_details,omitempty"`
}

// TokenDetails splits a token count by modality.
type TokenDetails struct {
	AudioTokens int `json:"audio_tokens"`
}

// SessionInfo carries the session metadata of session.created.
type SessionInfo struct {
	Model string `json:"model"`
}

// ParseEvent decodes a raw server frame.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
