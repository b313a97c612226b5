package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/maitred/internal/mediastream"
	"github.com/sebas/maitred/internal/realtime"
	"github.com/sebas/maitred/internal/restaurant"
)

// errCallEnded signals a clean end of call through the errgroup so the
// sibling loop gets cancelled.
var errCallEnded = errors.New("call ended")

// errCallBlocked ends the call before any model interaction.
var errCallBlocked = errors.New("caller blocked")

const (
	// defaultHangupDelay is a small network buffer after playback confirms.
	defaultHangupDelay = 300 * time.Millisecond
	// markDrainTimeout bounds the wait for playback acknowledgements.
	markDrainTimeout = 8 * time.Second
)

// TelephonyConn is the provider-side media stream. Implementations
// must allow WriteFrame from multiple goroutines.
type TelephonyConn interface {
	ReadFrame() (mediastream.Envelope, error)
	WriteFrame(mediastream.Envelope) error
	Close() error
}

// AISession is the model-side realtime connection. *realtime.Conn
// implements it; tests substitute fakes.
type AISession interface {
	UpdateSession(realtime.SessionConfig) error
	AppendAudio(payloadB64 string) error
	CreateUserMessage(text string) error
	CreateFunctionOutput(callID, output string) error
	CreateResponse() error
	TruncateItem(itemID string, audioEndMS int64) error
	ReadEvent() (realtime.Event, error)
	Close() error
}

// TransferFunc hands the live call to a human: the hosted provider
// redirects the call leg, the SIP bridge sends a REFER.
type TransferFunc func(ctx context.Context, cc *CallContext) error

// Engine runs calls. One Engine serves many concurrent calls; all
// per-call state lives in the session created by Run.
type Engine struct {
	api                 *restaurant.Client
	dispatcher          *Dispatcher
	log                 *slog.Logger
	defaultRestaurantID string
	vad                 realtime.VADConfig
	maxCallDuration     time.Duration
	hangupDelay         time.Duration
	transfer            TransferFunc
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	API                 *restaurant.Client
	Log                 *slog.Logger
	DefaultRestaurantID string
	VAD                 realtime.VADConfig
	MaxCallDuration     time.Duration
	HangupDelay         time.Duration
	Transfer            TransferFunc
}

// NewEngine creates a call engine.
func NewEngine(cfg EngineConfig) *Engine {
	hangupDelay := cfg.HangupDelay
	if hangupDelay == 0 {
		hangupDelay = defaultHangupDelay
	}
	return &Engine{
		api:                 cfg.API,
		dispatcher:          NewDispatcher(cfg.API, cfg.Log),
		log:                 cfg.Log,
		defaultRestaurantID: cfg.DefaultRestaurantID,
		vad:                 cfg.VAD,
		maxCallDuration:     cfg.MaxCallDuration,
		hangupDelay:         hangupDelay,
		transfer:            cfg.Transfer,
	}
}

// session is the state of one running call.
type session struct {
	eng  *Engine
	tele TelephonyConn
	ai   AISession
	cc   *CallContext
	log  *slog.Logger

	mu                sync.Mutex
	streamSid         string
	latestMediaTS     int64
	responseStartTS   int64
	responseStarted   bool
	lastAssistantItem string
	outstandingMarks  int
	muteClient        bool
	drainCh           chan struct{}
}

// Run pumps one call until it ends. It returns nil on a clean hangup
// and the first failure otherwise. The call record is finalized in
// every path.
func (e *Engine) Run(ctx context.Context, tele TelephonyConn, ai AISession) error {
	s := &session{
		eng:  e,
		tele: tele,
		ai:   ai,
		cc:   NewCallContext(e.defaultRestaurantID),
		log:  e.log,
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.maxCallDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.maxCallDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	// The loops block in socket reads; closing the connections is what
	// actually unblocks them once the group context falls.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			tele.Close()
			ai.Close()
		case <-watchdogDone:
		}
	}()

	g.Go(func() error { return s.telephonyLoop(gctx) })
	g.Go(func() error { return s.aiLoop(gctx) })

	err := g.Wait()
	close(watchdogDone)

	// Cover abrupt disconnects; normal paths already finalized.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 15*time.Second)
	s.cc.Finalize(finalCtx, e.api, e.log)
	finalCancel()

	tele.Close()
	ai.Close()

	if errors.Is(err, errCallEnded) || errors.Is(err, errCallBlocked) {
		return nil
	}
	return err
}

// telephonyLoop consumes frames from the provider stream.
func (s *session) telephonyLoop(ctx context.Context) error {
	for {
		frame, err := s.tele.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Info("telephony stream closed", "stream_sid", s.sid(), "error", err)
			return errCallEnded
		}

		switch frame.Event {
		case mediastream.EventMedia:
			if frame.Media == nil {
				continue
			}
			s.mu.Lock()
			s.latestMediaTS = int64(frame.Media.Timestamp)
			muted := s.muteClient
			s.mu.Unlock()
			// After end_call the caller's audio stays local so VAD
			// cannot restart the conversation.
			if !muted {
				if err := s.ai.AppendAudio(frame.Media.Payload); err != nil {
					return fmt.Errorf("forward caller audio: %w", err)
				}
			}

		case mediastream.EventStart:
			if err := s.handleStart(ctx, frame); err != nil {
				return err
			}

		case mediastream.EventMark:
			s.ackMark()

		case mediastream.EventStop:
			elapsed := int(time.Since(s.cc.CallStart).Seconds())
			s.log.Info("stream stop received", "stream_sid", s.sid(), "elapsed_sec", elapsed)
			s.cc.Finalize(ctx, s.eng.api, s.log)
			return errCallEnded
		}
	}
}

// handleStart runs the call setup sequence: blocked check, agent
// configuration, greeting, call record.
func (s *session) handleStart(ctx context.Context, frame mediastream.Envelope) error {
	if frame.Start == nil {
		return fmt.Errorf("start frame without start section")
	}

	s.mu.Lock()
	s.streamSid = frame.Start.StreamSid
	s.latestMediaTS = 0
	s.mu.Unlock()

	params := frame.Start.CustomParameters
	callerPhone := params["callerPhone"]
	restaurantID := params["restaurantId"]
	if restaurantID == "" {
		restaurantID = s.eng.defaultRestaurantID
	}

	s.cc.CallerPhone = callerPhone
	s.cc.RestaurantID = restaurantID
	if sid := params["callSid"]; sid != "" {
		s.cc.ProviderCallSid = sid
	} else {
		s.cc.BridgeCallSid = frame.Start.StreamSid
	}

	s.log.Info("stream started", "stream_sid", frame.Start.StreamSid, "caller", callerPhone, "restaurant", restaurantID)

	// Blocked callers are dropped before any model interaction.
	if callerPhone != "" && s.eng.api.PhoneBlocked(ctx, restaurantID, callerPhone) {
		s.log.Info("caller blocked, hanging up", "caller", callerPhone)
		return errCallBlocked
	}

	cfg, err := s.eng.api.FetchAIConfig(ctx, restaurantID, callerPhone)
	if err != nil {
		s.log.Error("agent config load failed, using fallback", "error", err)
		cfg = restaurant.FallbackAIConfig()
	} else {
		s.log.Info("agent config loaded", "restaurant", restaurantID)
	}

	if cfg.AvgPrepTimeMin > 0 {
		s.cc.AvgPrepTimeMin = cfg.AvgPrepTimeMin
	}
	s.cc.DeliveryEnabled = cfg.DeliveryEnabled
	if cfg.ItemMap != nil {
		s.cc.ItemMap = cfg.ItemMap
	}
	s.cc.TransferPhone = cfg.TransferPhoneNumber
	if customer := cfg.CustomerContext; customer != nil {
		s.cc.SetCustomer(customer.ID, customer.FirstName)
	}

	// Automatic transfer bypasses the agent entirely.
	if cfg.TransferAutomatic && cfg.TransferEnabled && s.cc.TransferPhone != "" {
		s.log.Info("automatic transfer", "destination", s.cc.TransferPhone)
		s.cc.MarkTransferred("Transfert automatique")
		s.cc.CallID = s.eng.api.CreateCall(ctx, restaurantID, callerPhone, "", s.cc.CallStart)
		s.executeTransfer(ctx)
		time.Sleep(s.eng.hangupDelay)
		s.cc.Finalize(ctx, s.eng.api, s.log)
		s.tele.WriteFrame(mediastream.Stop(s.sid()))
		return errCallEnded
	}

	if err := s.ai.UpdateSession(realtime.SessionConfig{
		Voice:        cfg.Voice,
		Instructions: cfg.SystemPrompt,
		Tools:        cfg.Tools,
		VAD:          s.eng.vad,
	}); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}

	// Greeting directive: the agent speaks first.
	greeting := "Un nouveau client vient d'appeler. " +
		"Accueille-le chaleureusement, presente-toi brievement " +
		"et demande ce qu'il souhaite commander."
	if customer := cfg.CustomerContext; customer != nil && customer.FirstName != "" {
		greeting = fmt.Sprintf(
			"Le client %s vient d'appeler (client fidele, %d commandes). "+
				"Accueille-le par son prenom et demande ce qu'il souhaite commander.",
			customer.FirstName, customer.TotalOrders)
	}
	if err := s.ai.CreateUserMessage(greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	if err := s.ai.CreateResponse(); err != nil {
		return fmt.Errorf("request greeting response: %w", err)
	}

	customerID, _ := s.cc.Customer()
	s.cc.CallID = s.eng.api.CreateCall(ctx, restaurantID, callerPhone, customerID, s.cc.CallStart)
	return nil
}

// aiLoop consumes model events.
func (s *session) aiLoop(ctx context.Context) error {
	for {
		ev, err := s.ai.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Info("realtime session closed", "error", err)
			return errCallEnded
		}
		if done, err := s.handleAIEvent(ctx, ev); done || err != nil {
			return err
		}
	}
}

func (s *session) handleAIEvent(ctx context.Context, ev realtime.Event) (done bool, err error) {
	switch ev.Type {
	case realtime.EventSessionCreated:
		if ev.Session != nil && ev.Session.Model != "" {
			s.cc.SetModel(ev.Session.Model)
		}

	case realtime.EventResponseDone:
		if ev.Response != nil && ev.Response.Usage != nil {
			u := ev.Response.Usage
			inAudio, outAudio := 0, 0
			if u.InputTokenDetails != nil {
				inAudio = u.InputTokenDetails.AudioTokens
			}
			if u.OutputTokenDetails != nil {
				outAudio = u.OutputTokenDetails.AudioTokens
			}
			s.cc.AddUsage(u.InputTokens, u.OutputTokens, inAudio, outAudio)
		}

	case realtime.EventAudioDelta:
		if ev.Delta == "" {
			break
		}
		if err := s.tele.WriteFrame(mediastream.Media(s.sid(), ev.Delta, 0)); err != nil {
			return false, fmt.Errorf("forward agent audio: %w", err)
		}
		s.mu.Lock()
		if !s.responseStarted {
			s.responseStarted = true
			s.responseStartTS = s.latestMediaTS
		}
		s.mu.Unlock()

	case realtime.EventAudioTranscriptDone:
		if ev.Transcript != "" {
			s.cc.AppendTranscript("assistant", ev.Transcript)
		}

	case realtime.EventInputTranscriptionCompleted:
		if ev.Transcript != "" {
			s.cc.AppendTranscript("user", ev.Transcript)
		}

	case realtime.EventSpeechStarted:
		s.handleBargeIn()

	case realtime.EventOutputItemAdded:
		if ev.Item != nil && ev.Item.Role == "assistant" {
			s.mu.Lock()
			s.lastAssistantItem = ev.Item.ID
			s.mu.Unlock()
		}

	case realtime.EventFunctionCallArgumentsDone:
		return s.handleFunctionCall(ctx, ev)

	case realtime.EventAudioDone:
		return s.handleAudioDone(ctx)
	}
	return false, nil
}

// handleBargeIn reacts to the caller speaking over the agent: flush
// the provider's playback buffer and truncate the assistant item so
// the model only remembers what was actually heard.
func (s *session) handleBargeIn() {
	s.mu.Lock()
	if s.muteClient {
		s.mu.Unlock()
		return
	}
	interrupting := s.outstandingMarks > 0 && s.responseStarted
	elapsed := s.latestMediaTS - s.responseStartTS
	itemID := s.lastAssistantItem
	if interrupting {
		s.outstandingMarks = 0
	}
	s.responseStarted = false
	sid := s.streamSid
	s.mu.Unlock()

	if !interrupting {
		return
	}

	s.log.Info("caller barge-in", "elapsed_ms", elapsed)
	if err := s.tele.WriteFrame(mediastream.Clear(sid)); err != nil {
		s.log.Error("clear frame failed", "error", err)
	}
	if itemID != "" {
		if err := s.ai.TruncateItem(itemID, elapsed); err != nil {
			s.log.Error("truncate failed", "item_id", itemID, "error", err)
		}
	}
}

func (s *session) handleFunctionCall(ctx context.Context, ev realtime.Event) (bool, error) {
	// Mute before dispatch so speech detection cannot clear the
	// agent's closing audio while the handler runs.
	if ev.Name == ToolEndCall || ev.Name == ToolTransferCall {
		s.mu.Lock()
		s.muteClient = true
		s.mu.Unlock()
		s.log.Info("caller muted for call teardown", "tool", ev.Name)
	}

	result := s.eng.dispatcher.Dispatch(ctx, s.cc, ev.Name, ev.Arguments)
	output, err := marshalResult(result)
	if err != nil {
		return false, err
	}
	if err := s.ai.CreateFunctionOutput(ev.CallID, output); err != nil {
		return false, fmt.Errorf("send tool result: %w", err)
	}
	// No response.create after end_call: the agent has already said
	// goodbye and a forced extra turn sounds robotic.
	if ev.Name != ToolEndCall {
		if err := s.ai.CreateResponse(); err != nil {
			return false, fmt.Errorf("request response: %w", err)
		}
	}

	transferred, _ := s.cc.Transferred()
	if s.cc.ShouldHangup() && !transferred {
		s.log.Info("hangup requested, waiting for playback")
		s.waitForMarks(ctx)
		time.Sleep(s.eng.hangupDelay)
		s.cc.Finalize(ctx, s.eng.api, s.log)
		s.tele.WriteFrame(mediastream.Stop(s.sid()))
		return true, errCallEnded
	}
	return false, nil
}

func (s *session) handleAudioDone(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.outstandingMarks++
	sid := s.streamSid
	s.mu.Unlock()

	if err := s.tele.WriteFrame(mediastream.Mark(sid, "responsePart")); err != nil {
		return false, fmt.Errorf("send mark: %w", err)
	}

	if !s.cc.ShouldHangup() {
		return false, nil
	}

	// transfer_call lands here: play the goodbye, then hand over.
	if transferred, reason := s.cc.Transferred(); transferred {
		s.log.Info("transferring call", "destination", s.cc.TransferPhone, "reason", reason)
		s.waitForMarks(ctx)
		s.executeTransfer(ctx)
	}
	time.Sleep(s.eng.hangupDelay)
	s.cc.Finalize(ctx, s.eng.api, s.log)
	s.tele.WriteFrame(mediastream.Stop(sid))
	return true, errCallEnded
}

func (s *session) executeTransfer(ctx context.Context) {
	if s.eng.transfer == nil {
		s.log.Error("transfer requested but no transfer backend configured")
		return
	}
	if err := s.eng.transfer(ctx, s.cc); err != nil {
		s.log.Error("transfer failed", "error", err)
	}
}

// ackMark consumes one playback acknowledgement and releases a pending
// hangup wait once the queue drains.
func (s *session) ackMark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstandingMarks > 0 {
		s.outstandingMarks--
	}
	if s.outstandingMarks == 0 && s.drainCh != nil {
		close(s.drainCh)
		s.drainCh = nil
	}
}

// waitForMarks blocks until every sent mark has been echoed back,
// meaning the provider finished playing the agent's audio. Bounded by
// markDrainTimeout in case acknowledgements never come.
func (s *session) waitForMarks(ctx context.Context) {
	s.mu.Lock()
	if s.outstandingMarks == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.outstandingMarks
	ch := make(chan struct{})
	s.drainCh = ch
	s.mu.Unlock()

	s.log.Info("waiting for playback to finish", "pending_marks", pending)
	select {
	case <-ch:
	case <-time.After(markDrainTimeout):
		s.log.Info("playback wait timed out, hanging up anyway")
		s.mu.Lock()
		s.drainCh = nil
		s.mu.Unlock()
	case <-ctx.Done():
	}
}

func (s *session) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}
