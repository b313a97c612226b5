package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// Registrar keeps the trunk registration alive. Without a valid
// registration the trunk will not route incoming calls to us, so losing
// it is alert-worthy.
type Registrar struct {
	client      *sipgo.Client
	cfg         SIPConfig
	contactHost string
	contactPort int
	log         *slog.Logger

	registered atomic.Bool
	callID     string
	cseq       uint32
}

// NewRegistrar creates a registrar client for the configured account.
func NewRegistrar(client *sipgo.Client, cfg SIPConfig, contactHost string, contactPort int, log *slog.Logger) *Registrar {
	return &Registrar{
		client:      client,
		cfg:         cfg,
		contactHost: contactHost,
		contactPort: contactPort,
		log:         log,
		callID:      uuid.New().String(),
	}
}

// Registered reports the cached registration state. Safe for concurrent
// reads from the health endpoint.
func (r *Registrar) Registered() bool {
	return r.registered.Load()
}

// Run registers immediately and then re-registers on the configured
// interval until the context ends.
func (r *Registrar) Run(ctx context.Context) error {
	r.refresh(ctx)

	interval := time.Duration(r.cfg.RegTimeout) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registrar) refresh(ctx context.Context) {
	was := r.registered.Load()
	if err := r.register(ctx); err != nil {
		r.registered.Store(false)
		if was {
			r.log.Error("SIP registration LOST, incoming calls will not be received",
				"account", r.Account(), "error", err)
		} else {
			r.log.Error("SIP registration failed", "account", r.Account(), "error", err)
		}
		return
	}
	r.registered.Store(true)
	if !was {
		r.log.Info("SIP registered", "account", r.Account(), "expires", r.cfg.RegTimeout)
	}
}

// register sends one REGISTER, answering a digest challenge if the
// registrar issues one.
func (r *Registrar) register(ctx context.Context) error {
	req := r.buildRegister()

	resp, err := r.sendAndWait(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		authReq, err := r.authorize(req, resp)
		if err != nil {
			return err
		}
		resp, err = r.sendAndWait(ctx, authReq)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registrar answered %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func (r *Registrar) buildRegister() *sip.Request {
	registrarURI := sip.Uri{Scheme: "sip", Host: r.cfg.Domain}
	accountURI := sip.Uri{Scheme: "sip", User: r.cfg.Username, Host: r.cfg.Domain}

	req := sip.NewRequest(sip.REGISTER, registrarURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	req.AppendHeader(&sip.FromHeader{Address: accountURI, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: accountURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)

	r.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})

	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		Scheme: "sip",
		User:   r.cfg.Username,
		Host:   r.contactHost,
		Port:   r.contactPort,
	}})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", r.cfg.RegTimeout)))

	return req
}

// authorize rebuilds the REGISTER with digest credentials for the
// challenge carried by a 401/407.
func (r *Registrar) authorize(req *sip.Request, resp *sip.Response) (*sip.Request, error) {
	hdrName := "WWW-Authenticate"
	authzName := "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		hdrName = "Proxy-Authenticate"
		authzName = "Proxy-Authorization"
	}
	challengeHdr := resp.GetHeader(hdrName)
	if challengeHdr == nil {
		return nil, fmt.Errorf("%d response without %s header", resp.StatusCode, hdrName)
	}

	chal, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	retry := r.buildRegister()
	retry.AppendHeader(sip.NewHeader(authzName, cred.String()))
	return retry, nil
}

func (r *Registrar) sendAndWait(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	txCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.client.TransactionRequest(txCtx, req)
	if err != nil {
		return nil, fmt.Errorf("send REGISTER: %w", err)
	}

	for {
		select {
		case <-txCtx.Done():
			return nil, txCtx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction ended without response")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
			// 1xx, keep waiting
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		}
	}
}

// Account returns the user@domain identity for logs and health output.
func (r *Registrar) Account() string {
	return r.cfg.Username + "@" + r.cfg.Domain
}
