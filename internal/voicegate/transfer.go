package voicegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sebas/maitred/internal/agent"
)

// NewTransferFunc picks the transfer backend per call: the SIP bridge
// REFERs when it carries the call, the Twilio REST API redirects the
// leg otherwise.
func NewTransferFunc(cfg *Config, log *slog.Logger) agent.TransferFunc {
	httpc := &http.Client{Timeout: 5 * time.Second}

	return func(ctx context.Context, cc *agent.CallContext) error {
		switch {
		case cc.BridgeCallSid != "":
			return transferViaBridge(ctx, httpc, cfg, cc, log)
		case cc.ProviderCallSid != "":
			return transferViaTwilio(ctx, httpc, cfg, cc, log)
		default:
			return fmt.Errorf("no call sid to transfer")
		}
	}
}

// transferViaBridge asks the SIP bridge control API for a blind transfer.
func transferViaBridge(ctx context.Context, httpc *http.Client, cfg *Config, cc *agent.CallContext, log *slog.Logger) error {
	if cfg.BridgeURL == "" {
		return fmt.Errorf("BRIDGE_PORT not configured")
	}

	dest := fmt.Sprintf("sip:%s@%s", cc.TransferPhone, cfg.SIPDomain)
	body, _ := json.Marshal(map[string]string{"destination": dest})
	endpoint := fmt.Sprintf("%s/api/calls/%s/transfer", strings.TrimRight(cfg.BridgeURL, "/"), cc.BridgeCallSid)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge transfer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge transfer HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	log.Info("SIP transfer requested", "sid", cc.BridgeCallSid, "destination", dest)
	return nil
}

// transferViaTwilio updates the provider call leg with a dial document.
func transferViaTwilio(ctx context.Context, httpc *http.Client, cfg *Config, cc *agent.CallContext, log *slog.Logger) error {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return fmt.Errorf("TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN not configured")
	}

	twiml := fmt.Sprintf("<Response><Dial>%s</Dial></Response>", cc.TransferPhone)
	form := url.Values{"Twiml": {twiml}}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		strings.TrimRight(cfg.TwilioAPIBase, "/"), cfg.TwilioAccountSID, cc.ProviderCallSid)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cfg.TwilioAccountSID, cfg.TwilioAuthToken)

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("twilio transfer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio transfer HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	log.Info("provider transfer requested", "call_sid", cc.ProviderCallSid, "destination", cc.TransferPhone)
	return nil
}
