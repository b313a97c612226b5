// Package sipbridge is the self-hosted telephony adapter: a SIP user
// agent that registers against a trunk, answers calls, and bridges
// their RTP audio onto the Twilio-compatible media stream WebSocket
// that the voice server speaks.
package sipbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/maitred/internal/media"
	"github.com/sebas/maitred/internal/phone"
)

// Errors surfaced to the control API.
var (
	ErrCallNotFound  = errors.New("call not found")
	ErrTooManyCalls  = errors.New("max concurrent calls reached")
	ErrCallNotActive = errors.New("call is not active")
)

// dialogState holds what we need to send in-dialog requests (BYE, REFER).
type dialogState struct {
	callID       string
	localTag     string
	remoteTag    string
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri // Contact of the remote party, Request-URI for in-dialog requests
	destAddr     string
	cseq         uint32
}

type activeCall struct {
	record *CallRecord
	dlg    dialogState
	port   *AudioPort
	leg    *rtpLeg
	cancel context.CancelFunc

	mu sync.Mutex
}

func (c *activeCall) nextCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dlg.cseq++
	return c.dlg.cseq
}

// Bridge is the SIP user agent plus the per-call RTP/WS plumbing.
type Bridge struct {
	cfg       *Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *Registrar
	store     *Store
	httpc     *http.Client
	log       *slog.Logger

	localIP string
	sipPort int
	trunkCC string

	// Keepalive pings go to the trunk domain unless overridden.
	keepaliveAddr string

	mu     sync.Mutex
	active map[string]*activeCall // SIP Call-ID -> call
	bySID  map[string]*activeCall
}

// New builds the bridge and wires the SIP method handlers.
func New(cfg *Config, log *slog.Logger) (*Bridge, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	localIP := cfg.AdvertiseAddr
	if localIP == "" && cfg.NAT.STUNServer != "" {
		ip, err := stunPublicIP(cfg.NAT.STUNServer)
		if err != nil {
			log.Warn("STUN lookup failed, falling back to interface address",
				"server", cfg.NAT.STUNServer, "error", err)
		} else {
			log.Info("advertising STUN-mapped address", "ip", ip)
			localIP = ip
		}
	}
	if localIP == "" {
		localIP = primaryInterfaceIP()
	}
	sipPort := cfg.SIP.Port
	if sipPort == 0 {
		sipPort = 5061
	}

	b := &Bridge{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		store:   NewStore(),
		httpc:   &http.Client{Timeout: cfg.Callbacks.Timeout},
		log:     log,
		localIP: localIP,
		sipPort: sipPort,
		trunkCC: phone.DeriveCountryCode("+" + strings.TrimPrefix(cfg.SIP.Username, "+")),
		active:  make(map[string]*activeCall),
		bySID:   make(map[string]*activeCall),
	}
	b.registrar = NewRegistrar(client, cfg.SIP, localIP, sipPort, log)

	srv.OnRequest(sip.INVITE, b.onInvite)
	srv.OnRequest(sip.ACK, b.onAck)
	srv.OnRequest(sip.BYE, b.onBye)
	srv.OnRequest(sip.CANCEL, b.onCancel)

	return b, nil
}

// Store exposes the call records for the control API.
func (b *Bridge) Store() *Store { return b.store }

// Registered reports the trunk registration state.
func (b *Bridge) Registered() bool { return b.registrar.Registered() }

// Account returns the SIP account identity.
func (b *Bridge) Account() string { return b.registrar.Account() }

// Config returns the bridge configuration.
func (b *Bridge) Config() *Config { return b.cfg }

// Run registers against the trunk and serves SIP until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if b.cfg.SIP.Username != "" && b.cfg.SIP.Password != "" {
		g.Go(func() error { return b.registrar.Run(gctx) })
	} else {
		b.log.Warn("no SIP credentials, skipping registration")
	}

	if strings.EqualFold(b.cfg.SIP.Transport, "udp") && b.cfg.NAT.UDPKeepalive > 0 {
		g.Go(func() error { return b.keepaliveLoop(gctx) })
	}

	listenAddr := fmt.Sprintf("%s:%d", b.cfg.BindAddr, b.sipPort)
	b.log.Info("starting SIP listener", "addr", listenAddr, "transport", b.cfg.SIP.Transport)
	g.Go(func() error {
		return b.srv.ListenAndServe(gctx, b.cfg.SIP.Transport, listenAddr)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close hangs up every active call and releases the user agent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	calls := make([]*activeCall, 0, len(b.bySID))
	for _, ac := range b.bySID {
		calls = append(calls, ac)
	}
	b.mu.Unlock()

	for _, ac := range calls {
		if !ac.record.Status().Terminal() {
			b.sendBYE(ac)
			ac.record.Finish(StatusCompleted)
		}
		ac.cancel()
	}
	return b.ua.Close()
}

// keepaliveLoop sends OPTIONS pings on the configured interval. Over
// UDP the re-registration interval alone is too slow to hold a NAT
// binding open; the pings keep the trunk's return path alive.
func (b *Bridge) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.NAT.UDPKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.sendKeepalive(ctx)
		}
	}
}

func (b *Bridge) sendKeepalive(ctx context.Context) {
	account := sip.Uri{Scheme: "sip", User: b.cfg.SIP.Username, Host: b.cfg.SIP.Domain}
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: b.cfg.SIP.Domain})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	req.AppendHeader(&sip.FromHeader{Address: account, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: account, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	if b.keepaliveAddr != "" {
		req.SetDestination(b.keepaliveAddr)
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := b.client.TransactionRequest(txCtx, req)
	if err != nil {
		b.log.Debug("keepalive send failed", "error", err)
		return
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-txCtx.Done():
	}
}

// ── Incoming calls ─────────────────────────────────────────

func (b *Bridge) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	caller := b.normalizeURIUser(req.From().Address)
	callee := b.normalizeURIUser(req.To().Address)
	b.log.Info("incoming call", "from", caller, "to", callee)

	if b.store.ActiveCount() >= b.cfg.MaxConcurrentCalls {
		b.log.Warn("max concurrent calls reached, rejecting", "active", b.store.ActiveCount())
		b.respond(tx, req, sip.StatusBusyHere, "Busy Here")
		return
	}

	sid := uuid.New().String()
	record := NewCallRecord(sid, DirectionInbound, caller, callee,
		b.cfg.CustomParams, b.cfg.WSTarget, b.cfg.Callbacks.StatusCallbackURL)
	record.SetStatus(StatusRinging)
	b.store.Put(record)

	b.respond(tx, req, sip.StatusTrying, "Trying")
	b.respond(tx, req, sip.StatusRinging, "Ringing")

	// The decision callback runs before we answer, so a reject never
	// produces a half-established call.
	decision := b.fireIncomingCallback(caller, callee)
	switch decision.Action {
	case "reject":
		code := sip.StatusCode(decision.StatusCode)
		if code == 0 {
			code = sip.StatusBusyHere
		}
		b.log.Info("call rejected by callback", "sid", shortSID(sid), "code", int(code))
		b.respond(tx, req, code, "Rejected")
		record.Finish(StatusFailed)
		b.store.ScheduleEvict(sid)
		return
	case "ignore":
		b.log.Info("call ignored by callback", "sid", shortSID(sid))
		return
	}

	record.MergeParams(decision.CustomParams)
	record.SetRouting(decision.WSTarget, decision.CallbackURL)
	b.fireCallback(record, "ringing")

	if !b.cfg.AutoAnswer {
		b.log.Info("auto-answer disabled, leaving call ringing", "sid", shortSID(sid))
		return
	}

	if err := b.answer(req, tx, record); err != nil {
		b.log.Error("failed to answer call", "sid", shortSID(sid), "error", err)
		b.respond(tx, req, sip.StatusNotAcceptable, "Not Acceptable Here")
		record.Finish(StatusFailed)
		b.store.ScheduleEvict(sid)
	}
}

// answer negotiates media, sends 200 OK with our SDP, and starts the
// RTP/WS session.
func (b *Bridge) answer(req *sip.Request, tx sip.ServerTransaction, record *CallRecord) error {
	remoteAddr, remotePort, codec, err := negotiateSDP(req.Body())
	if err != nil {
		return err
	}

	port := NewAudioPort(codec)
	leg, err := newRTPLeg(port, b.log)
	if err != nil {
		return err
	}
	if err := leg.connectRemote(remoteAddr, remotePort, codec); err != nil {
		leg.close()
		return err
	}

	answerSDP, err := buildSDP(b.localIP, leg.localPort(), []media.Codec{codec})
	if err != nil {
		leg.close()
		return err
	}

	localTag := uuid.New().String()[:8]
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answerSDP)
	resp.To().Params.Add("tag", localTag)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		Scheme: "sip",
		User:   b.cfg.SIP.Username,
		Host:   b.localIP,
		Port:   b.sipPort,
	}})
	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	if err := tx.Respond(resp); err != nil {
		leg.close()
		return fmt.Errorf("send 200 OK: %w", err)
	}

	dlg := dialogState{
		localTag:  localTag,
		localURI:  req.To().Address,
		remoteURI: req.From().Address,
		destAddr:  req.Source(),
		cseq:      1,
	}
	if req.CallID() != nil {
		dlg.callID = string(*req.CallID())
	}
	if tag, ok := req.From().Params.Get("tag"); ok {
		dlg.remoteTag = tag
	}
	if contact := req.Contact(); contact != nil {
		dlg.remoteTarget = contact.Address
	} else {
		dlg.remoteTarget = req.From().Address
	}

	record.SetStatus(StatusAnswered)
	b.fireCallback(record, "answered")

	b.startSession(record, dlg, port, leg)
	return nil
}

// startSession registers the call and launches the RTP and WS loops.
// When they end, the SIP side is hung up if still alive.
func (b *Bridge) startSession(record *CallRecord, dlg dialogState, port *AudioPort, leg *rtpLeg) {
	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeCall{record: record, dlg: dlg, port: port, leg: leg, cancel: cancel}

	b.mu.Lock()
	b.active[dlg.callID] = ac
	b.bySID[record.SID] = ac
	b.mu.Unlock()

	wsTarget, _ := record.Routing()
	session := &WSSession{
		CallSID:      record.SID,
		CallerPhone:  record.From,
		CalleePhone:  record.To,
		Direction:    record.Direction,
		CustomParams: record.Params(),
		WSTarget:     wsTarget,
		Port:         port,
		MaxDuration:  b.cfg.MaxCallDuration,
		Log:          b.log,
	}

	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return leg.run(gctx) })
		g.Go(func() error { return session.Run(gctx) })
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			b.log.Error("call session error", "sid", shortSID(record.SID), "error", err)
		}
		cancel()
		leg.close()

		if record.Finish(StatusCompleted) {
			b.log.Info("session ended, hanging up SIP leg", "sid", shortSID(record.SID))
			b.sendBYE(ac)
		}
		b.fireCallback(record, "completed")
		b.cleanup(ac)
	}()
}

func (b *Bridge) cleanup(ac *activeCall) {
	b.mu.Lock()
	delete(b.active, ac.dlg.callID)
	delete(b.bySID, ac.record.SID)
	b.mu.Unlock()
	b.store.ScheduleEvict(ac.record.SID)
}

func (b *Bridge) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if ac := b.byCallID(req); ac != nil {
		if ac.record.SetStatus(StatusActive) {
			b.log.Debug("call confirmed", "sid", shortSID(ac.record.SID))
		}
	}
}

func (b *Bridge) onBye(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusOK, "OK")

	ac := b.byCallID(req)
	if ac == nil {
		return
	}
	b.log.Info("BYE received", "sid", shortSID(ac.record.SID))
	ac.record.Finish(StatusCompleted)
	ac.cancel()
}

func (b *Bridge) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusOK, "OK")

	ac := b.byCallID(req)
	if ac == nil {
		return
	}
	b.log.Info("CANCEL received", "sid", shortSID(ac.record.SID))
	ac.record.Finish(StatusCancelled)
	ac.cancel()
	b.cleanup(ac)
}

func (b *Bridge) byCallID(req *sip.Request) *activeCall {
	if req.CallID() == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[string(*req.CallID())]
}

// ── Outgoing calls ─────────────────────────────────────────

// MakeCallRequest is the POST /api/calls payload.
type MakeCallRequest struct {
	To           string            `json:"to"`
	From         string            `json:"from"`
	CustomParams map[string]string `json:"customParams"`
	WSTarget     string            `json:"wsTarget"`
	CallbackURL  string            `json:"callbackUrl"`
	TimeoutSec   int               `json:"timeoutSec"`
}

// MakeCall starts an outbound call. It returns as soon as the record is
// created; the INVITE flow runs in the background and status callbacks
// report progress.
func (b *Bridge) MakeCall(req MakeCallRequest) (*CallRecord, error) {
	if req.To == "" {
		return nil, fmt.Errorf("destination required")
	}
	if b.store.ActiveCount() >= b.cfg.MaxConcurrentCalls {
		return nil, ErrTooManyCalls
	}

	from := req.From
	if from == "" {
		from = b.cfg.SIP.Username
	}
	wsTarget := req.WSTarget
	if wsTarget == "" {
		wsTarget = b.cfg.WSTarget
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = b.cfg.Callbacks.StatusCallbackURL
	}
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sid := uuid.New().String()
	record := NewCallRecord(sid, DirectionOutbound, from, req.To,
		b.cfg.CustomParams, wsTarget, callbackURL)
	record.MergeParams(req.CustomParams)
	b.store.Put(record)
	b.fireCallback(record, "initiated")

	go b.originate(record, timeout)
	return record, nil
}

// originate runs the INVITE flow for an outbound call.
func (b *Bridge) originate(record *CallRecord, timeout time.Duration) {
	fail := func(status CallStatus, err error) {
		b.log.Error("outbound call failed", "sid", shortSID(record.SID), "status", status, "error", err)
		record.Finish(status)
		b.fireCallback(record, "completed")
		b.store.ScheduleEvict(record.SID)
	}

	port := NewAudioPort(media.CodecPCMU)
	leg, err := newRTPLeg(port, b.log)
	if err != nil {
		fail(StatusFailed, err)
		return
	}

	offer, err := buildSDP(b.localIP, leg.localPort(), codecPreference)
	if err != nil {
		leg.close()
		fail(StatusFailed, err)
		return
	}

	callID := uuid.New().String()
	localTag := uuid.New().String()[:8]
	invite := b.buildInvite(record, callID, localTag, offer)

	dialCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := b.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		leg.close()
		fail(StatusFailed, fmt.Errorf("send INVITE: %w", err))
		return
	}
	b.log.Info("INVITE sent", "sid", shortSID(record.SID), "target", invite.Recipient.String())

	authed := false
	for {
		select {
		case <-dialCtx.Done():
			b.sendCANCEL(invite)
			leg.close()
			fail(StatusNoAnswer, context.DeadlineExceeded)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				leg.close()
				fail(StatusNoAnswer, fmt.Errorf("no response"))
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code < 180:
				// 100 Trying

			case code < 200:
				if record.SetStatus(StatusRinging) {
					b.fireCallback(record, "ringing")
				}

			case code < 300:
				b.completeOutbound(record, invite, resp, port, leg)
				return

			case (code == 401 || code == 407) && !authed:
				authed = true
				retry, err := b.authorizeInvite(invite, resp, record, callID, offer)
				if err != nil {
					leg.close()
					fail(StatusFailed, err)
					return
				}
				invite = retry
				tx, err = b.client.TransactionRequest(dialCtx, invite)
				if err != nil {
					leg.close()
					fail(StatusFailed, fmt.Errorf("send authorized INVITE: %w", err))
					return
				}

			default:
				leg.close()
				fail(statusForSIPCode(code), fmt.Errorf("%d %s", code, resp.Reason))
				return
			}

		case <-tx.Done():
			leg.close()
			fail(StatusFailed, fmt.Errorf("transaction terminated"))
			return
		}
	}
}

func (b *Bridge) buildInvite(record *CallRecord, callID, localTag string, offer []byte) *sip.Request {
	target := b.destinationURI(record.To)
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: record.From, Host: b.cfg.SIP.Domain},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		Scheme: "sip",
		User:   b.cfg.SIP.Username,
		Host:   b.localIP,
		Port:   b.sipPort,
	}})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)
	return invite
}

// authorizeInvite rebuilds the INVITE with digest credentials.
func (b *Bridge) authorizeInvite(invite *sip.Request, resp *sip.Response, record *CallRecord, callID string, offer []byte) (*sip.Request, error) {
	hdrName := "WWW-Authenticate"
	authzName := "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		hdrName = "Proxy-Authenticate"
		authzName = "Proxy-Authorization"
	}
	challengeHdr := resp.GetHeader(hdrName)
	if challengeHdr == nil {
		return nil, fmt.Errorf("%d without %s header", resp.StatusCode, hdrName)
	}
	chal, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.INVITE.String(),
		URI:      invite.Recipient.String(),
		Username: b.cfg.SIP.Username,
		Password: b.cfg.SIP.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	localTag := uuid.New().String()[:8]
	retry := b.buildInvite(record, callID, localTag, offer)
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo = 2
	}
	retry.AppendHeader(sip.NewHeader(authzName, cred.String()))
	return retry, nil
}

// completeOutbound handles the 2xx: extract remote media, ACK, start session.
func (b *Bridge) completeOutbound(record *CallRecord, invite *sip.Request, resp *sip.Response, port *AudioPort, leg *rtpLeg) {
	remoteAddr, remotePort, codec, err := negotiateSDP(resp.Body())
	if err != nil {
		leg.close()
		b.log.Error("no usable SDP in 2xx", "sid", shortSID(record.SID), "error", err)
		record.Finish(StatusFailed)
		b.fireCallback(record, "completed")
		b.store.ScheduleEvict(record.SID)
		return
	}
	port.codec = codec
	if err := leg.connectRemote(remoteAddr, remotePort, codec); err != nil {
		leg.close()
		record.Finish(StatusFailed)
		b.fireCallback(record, "completed")
		b.store.ScheduleEvict(record.SID)
		return
	}

	b.sendACK(invite, resp)

	dlg := dialogState{
		localURI:  invite.From().Address,
		remoteURI: invite.To().Address,
		destAddr:  resp.Source(),
		cseq:      2, // INVITE used 1 (or 2 after auth); BYE goes higher
	}
	if cseq := invite.CSeq(); cseq != nil {
		dlg.cseq = cseq.SeqNo
	}
	if invite.CallID() != nil {
		dlg.callID = string(*invite.CallID())
	}
	if tag, ok := invite.From().Params.Get("tag"); ok {
		dlg.localTag = tag
	}
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			dlg.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		dlg.remoteTarget = contact.Address
	} else {
		dlg.remoteTarget = invite.Recipient
	}

	record.SetStatus(StatusAnswered)
	b.fireCallback(record, "answered")
	record.SetStatus(StatusActive)

	b.log.Info("outbound call answered", "sid", shortSID(record.SID),
		"remote_rtp", fmt.Sprintf("%s:%d", remoteAddr, remotePort), "codec", codec.Name)
	b.startSession(record, dlg, port, leg)
}

// sendACK acknowledges a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request sent directly through the transport, aimed at the Contact of
// the response.
func (b *Bridge) sendACK(invite *sip.Request, resp *sip.Response) {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	if err := b.client.WriteRequest(ack); err != nil {
		b.log.Error("failed to send ACK", "error", err)
	}
}

// sendCANCEL cancels an in-progress INVITE.
func (b *Bridge) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := b.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		b.log.Error("failed to send CANCEL", "error", err)
		return
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// ── In-dialog requests ─────────────────────────────────────

// buildInDialog constructs a request inside an established dialog.
func (b *Bridge) buildInDialog(ac *activeCall, method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, ac.dlg.remoteTarget)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", ac.dlg.localTag)
	req.AppendHeader(&sip.FromHeader{Address: ac.dlg.localURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", ac.dlg.remoteTag)
	req.AppendHeader(&sip.ToHeader{Address: ac.dlg.remoteURI, Params: toParams})

	callID := sip.CallIDHeader(ac.dlg.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: ac.nextCSeq(), MethodName: method})

	if ac.dlg.destAddr != "" {
		req.SetDestination(ac.dlg.destAddr)
	}
	return req
}

func (b *Bridge) sendInDialog(req *sip.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := b.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil && resp.StatusCode >= 300 {
			return fmt.Errorf("%d %s", resp.StatusCode, resp.Reason)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

func (b *Bridge) sendBYE(ac *activeCall) {
	if ac.dlg.remoteTarget.Host == "" {
		return
	}
	if err := b.sendInDialog(b.buildInDialog(ac, sip.BYE)); err != nil {
		b.log.Warn("BYE failed", "sid", shortSID(ac.record.SID), "error", err)
	}
}

// ── Control operations ─────────────────────────────────────

// Hangup terminates a call from the control API.
func (b *Bridge) Hangup(sid string) error {
	record, ok := b.store.Get(sid)
	if !ok {
		return ErrCallNotFound
	}

	b.mu.Lock()
	ac := b.bySID[sid]
	b.mu.Unlock()

	if record.Finish(StatusCancelled) && ac != nil {
		b.sendBYE(ac)
		ac.cancel()
	}
	return nil
}

// Transfer performs a blind transfer (REFER) of an active call.
func (b *Bridge) Transfer(sid, destination string) error {
	record, ok := b.store.Get(sid)
	if !ok {
		return ErrCallNotFound
	}
	status := record.Status()
	if status != StatusActive && status != StatusAnswered {
		return ErrCallNotActive
	}

	b.mu.Lock()
	ac := b.bySID[sid]
	b.mu.Unlock()
	if ac == nil {
		return ErrCallNotFound
	}

	dest := b.transferURI(destination)
	refer := b.buildInDialog(ac, sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", dest))
	refer.AppendHeader(sip.NewHeader("Referred-By",
		fmt.Sprintf("<sip:%s@%s>", b.cfg.SIP.Username, b.cfg.SIP.Domain)))

	b.log.Info("blind transfer", "sid", shortSID(sid), "destination", dest)
	if err := b.sendInDialog(refer); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	record.Finish(StatusTransferred)
	ac.cancel()
	return nil
}

// transferURI turns a bare number into a SIP URI on our trunk domain.
func (b *Bridge) transferURI(dest string) string {
	if strings.HasPrefix(dest, "sip:") || strings.HasPrefix(dest, "tel:") {
		return dest
	}
	return "sip:" + dest + "@" + b.cfg.SIP.Domain
}

func (b *Bridge) destinationURI(to string) sip.Uri {
	if strings.HasPrefix(to, "sip:") {
		var uri sip.Uri
		if err := sip.ParseUri(to, &uri); err == nil {
			return uri
		}
	}
	return sip.Uri{Scheme: "sip", User: strings.TrimPrefix(to, "tel:"), Host: b.cfg.SIP.Domain}
}

// ── Helpers ────────────────────────────────────────────────

func (b *Bridge) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		b.log.Error("failed to send response", "code", int(code), "error", err)
	}
}

// normalizeURIUser extracts the user part of a SIP URI as E.164.
func (b *Bridge) normalizeURIUser(uri sip.Uri) string {
	user := uri.User
	if user == "" {
		return uri.Host
	}
	return phone.Normalize(user, b.trunkCC)
}

// primaryInterfaceIP picks the first global unicast IPv4 address.
func primaryInterfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
