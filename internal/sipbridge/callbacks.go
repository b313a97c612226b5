package sipbridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// statusEvent is the payload POSTed to the status callback URL.
type statusEvent struct {
	Event string `json:"event"`
	CallInfo
}

// fireCallback notifies the status callback URL of a lifecycle event.
// Callback failures are logged and ignored; telephony never waits on
// the consumer.
func (b *Bridge) fireCallback(record *CallRecord, event string) {
	_, callbackURL := record.Routing()
	if callbackURL == "" || !b.cfg.Callbacks.WantsEvent(event) {
		return
	}

	go func() {
		var err error
		if b.cfg.Callbacks.Method == http.MethodGet {
			q := url.Values{}
			info := record.Info()
			q.Set("event", event)
			q.Set("sid", info.SID)
			q.Set("status", string(info.Status))
			q.Set("from", info.From)
			q.Set("to", info.To)
			var resp *http.Response
			resp, err = b.httpc.Get(callbackURL + "?" + q.Encode())
			if err == nil {
				resp.Body.Close()
			}
		} else {
			body, _ := json.Marshal(statusEvent{Event: event, CallInfo: record.Info()})
			var resp *http.Response
			resp, err = b.httpc.Post(callbackURL, "application/json", bytes.NewReader(body))
			if err == nil {
				resp.Body.Close()
			}
		}
		if err != nil {
			b.log.Warn("status callback failed", "event", event, "sid", shortSID(record.SID), "error", err)
		}
	}()
}

// IncomingDecision is the reply of the incoming-call callback. The
// consumer can reject the call, leave it ringing, or override routing
// before we answer.
type IncomingDecision struct {
	Action       string            `json:"action"`
	StatusCode   int               `json:"statusCode"`
	CustomParams map[string]string `json:"customParams"`
	WSTarget     string            `json:"wsTarget"`
	CallbackURL  string            `json:"callbackUrl"`
}

// fireIncomingCallback asks the configured URL what to do with an
// incoming call. Fails open: any error accepts the call, so a dead
// consumer never blocks the phone line.
func (b *Bridge) fireIncomingCallback(from, to string) IncomingDecision {
	accept := IncomingDecision{Action: "accept"}
	cbURL := b.cfg.Callbacks.IncomingCallbackURL
	if cbURL == "" {
		return accept
	}

	payload, _ := json.Marshal(map[string]string{
		"from":      from,
		"to":        to,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	resp, err := b.httpc.Post(cbURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		b.log.Warn("incoming callback unreachable, accepting call", "error", err)
		return accept
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.log.Warn("incoming callback error, accepting call", "status", resp.StatusCode)
		return accept
	}

	var decision IncomingDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		b.log.Warn("incoming callback bad reply, accepting call", "error", err)
		return accept
	}
	if decision.Action == "" {
		decision.Action = "accept"
	}
	return decision
}
