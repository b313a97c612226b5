// Package agent drives one phone call end to end: it pumps audio
// between the telephony stream and the realtime model, executes the
// model's tool calls against the business API, and maintains the call
// record from first frame to final outcome.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/maitred/internal/restaurant"
)

// Call outcomes, highest priority first.
const (
	OutcomeTransferred       = "transferred"
	OutcomeOrderPlaced       = "order_placed"
	OutcomeReservationPlaced = "reservation_placed"
	OutcomeMessageLeft       = "message_left"
	OutcomeInfoOnly          = "info_only"
	OutcomeAbandoned         = "abandoned"
)

// CallContext is the per-call state shared by the engine and the tool
// dispatcher. Identity fields are set once during stream start; the
// mutable conversation state behind the mutex is written by the model
// event loop and read at finalization, which may happen on the
// telephony goroutine.
type CallContext struct {
	RestaurantID    string
	CallerPhone     string
	CallID          string
	CallStart       time.Time
	AvgPrepTimeMin  int
	DeliveryEnabled bool
	TransferPhone   string
	ItemMap         map[string]restaurant.ItemRef

	// ProviderCallSid is set when a hosted provider carries the call,
	// BridgeCallSid when our own SIP bridge does. Exactly one is set.
	ProviderCallSid string
	BridgeCallSid   string

	mu                sync.Mutex
	customerID        string
	customerName      string
	orderPlaced       bool
	reservationPlaced bool
	messageLeft       bool
	hadConversation   bool
	shouldHangup      bool
	transferred       bool
	transferReason    string
	transcript        []restaurant.TranscriptEntry
	lastAvailability  map[string]any
	aiModel           string
	inputTokens       int
	outputTokens      int
	inputAudioTokens  int
	outputAudioTokens int
	finalized         bool
}

// NewCallContext creates the state for a fresh call.
func NewCallContext(restaurantID string) *CallContext {
	return &CallContext{
		RestaurantID:   restaurantID,
		CallStart:      time.Now(),
		AvgPrepTimeMin: 30,
		ItemMap:        map[string]restaurant.ItemRef{},
	}
}

// SetCustomer records the identified customer.
func (c *CallContext) SetCustomer(id, firstName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		c.customerID = id
	}
	if firstName != "" {
		c.customerName = firstName
	}
}

// Customer returns the identified customer id and name.
func (c *CallContext) Customer() (id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerID, c.customerName
}

// AppendTranscript adds one conversation turn and marks the call as a
// real conversation.
func (c *CallContext) AppendTranscript(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hadConversation = true
	c.transcript = append(c.transcript, restaurant.TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SetLastAvailability stores the most recent availability check result
// so a following confirm_order or confirm_reservation can reuse its
// confirmed time slot.
func (c *CallContext) SetLastAvailability(result map[string]any) {
	c.mu.Lock()
	c.lastAvailability = result
	c.mu.Unlock()
}

// LastAvailability returns the stored availability result, never nil.
func (c *CallContext) LastAvailability() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAvailability == nil {
		return map[string]any{}
	}
	return c.lastAvailability
}

// MarkOrderPlaced latches the order_placed outcome flag.
func (c *CallContext) MarkOrderPlaced() {
	c.mu.Lock()
	c.orderPlaced = true
	c.mu.Unlock()
}

// MarkReservationPlaced latches the reservation_placed outcome flag.
func (c *CallContext) MarkReservationPlaced() {
	c.mu.Lock()
	c.reservationPlaced = true
	c.mu.Unlock()
}

// MarkMessageLeft latches the message_left outcome flag.
func (c *CallContext) MarkMessageLeft() {
	c.mu.Lock()
	c.messageLeft = true
	c.mu.Unlock()
}

// RequestHangup latches the hangup request. Once set it never clears.
func (c *CallContext) RequestHangup() {
	c.mu.Lock()
	c.shouldHangup = true
	c.mu.Unlock()
}

// ShouldHangup reports whether a hangup has been requested.
func (c *CallContext) ShouldHangup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldHangup
}

// MarkTransferred latches the transfer state and requests hangup.
func (c *CallContext) MarkTransferred(reason string) {
	c.mu.Lock()
	c.transferred = true
	c.transferReason = reason
	c.shouldHangup = true
	c.mu.Unlock()
}

// Transferred reports the transfer state and its reason.
func (c *CallContext) Transferred() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred, c.transferReason
}

// SetModel records the model id announced at session creation.
func (c *CallContext) SetModel(model string) {
	c.mu.Lock()
	c.aiModel = model
	c.mu.Unlock()
}

// AddUsage accumulates token usage from one model response.
func (c *CallContext) AddUsage(in, out, inAudio, outAudio int) {
	c.mu.Lock()
	c.inputTokens += in
	c.outputTokens += out
	c.inputAudioTokens += inAudio
	c.outputAudioTokens += outAudio
	c.mu.Unlock()
}

// Outcome derives the call outcome from the latched flags.
func (c *CallContext) Outcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomeLocked()
}

func (c *CallContext) outcomeLocked() string {
	switch {
	case c.transferred:
		return OutcomeTransferred
	case c.orderPlaced:
		return OutcomeOrderPlaced
	case c.reservationPlaced:
		return OutcomeReservationPlaced
	case c.messageLeft:
		return OutcomeMessageLeft
	case c.hadConversation:
		return OutcomeInfoOnly
	default:
		return OutcomeAbandoned
	}
}

// autoMessageContent summarizes the last turns of a conversation that
// produced neither order, reservation, nor message, so the restaurant
// still learns the call happened. Turns are clipped to 100 characters.
func autoMessageContent(transcript []restaurant.TranscriptEntry) string {
	start := len(transcript) - 6
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, entry := range transcript[start:] {
		role := "IA"
		if entry.Role == "user" {
			role = "Client"
		}
		content := entry.Content
		if r := []rune(content); len(r) > 100 {
			content = string(r[:100])
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return "Appel sans commande ni reservation.\n\nDernieres echanges:\n" + strings.TrimSpace(b.String())
}

// Finalize closes out the call record: outcome, duration, transcript,
// token usage, plus the automatic message for conversations that ended
// without a concrete result. It runs at most once; later calls are
// no-ops.
func (c *CallContext) Finalize(ctx context.Context, api *restaurant.Client, log *slog.Logger) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true

	outcome := c.outcomeLocked()
	needsAutoMessage := c.hadConversation && !c.orderPlaced && !c.reservationPlaced && !c.messageLeft
	transcript := make([]restaurant.TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)
	aiModel := c.aiModel
	inTok, outTok := c.inputTokens, c.outputTokens
	inAudio, outAudio := c.inputAudioTokens, c.outputAudioTokens
	c.mu.Unlock()

	if c.CallID == "" {
		return
	}

	now := time.Now().UTC()
	duration := int(now.Sub(c.CallStart).Seconds())

	if needsAutoMessage {
		_, err := api.Post(ctx, "/api/messages", map[string]any{
			"restaurantId": c.RestaurantID,
			"callId":       c.CallID,
			"callerPhone":  c.CallerPhone,
			"content":      autoMessageContent(transcript),
			"category":     "info_request",
			"isUrgent":     false,
		})
		if err != nil {
			log.Error("auto message failed", "call_id", c.CallID, "error", err)
		} else {
			log.Info("auto message created for call without order or reservation", "call_id", c.CallID)
		}
	}

	updates := map[string]any{
		"id":                c.CallID,
		"endedAt":           now.Format(time.RFC3339),
		"durationSec":       duration,
		"outcome":           outcome,
		"inputTokens":       inTok,
		"outputTokens":      outTok,
		"inputAudioTokens":  inAudio,
		"outputAudioTokens": outAudio,
	}
	if aiModel != "" {
		updates["aiModel"] = aiModel
	}
	if len(transcript) > 0 {
		updates["transcript"] = transcript
	}

	if err := api.UpdateCall(ctx, updates); err != nil {
		log.Error("call finalization failed", "call_id", c.CallID, "error", err)
		return
	}
	log.Info("call finalized", "call_id", c.CallID, "duration_sec", duration, "outcome", outcome)
}
