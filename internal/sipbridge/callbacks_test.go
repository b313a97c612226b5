package sipbridge

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testBridge(cfg *Config) *Bridge {
	if cfg.Callbacks.Timeout == 0 {
		cfg.Callbacks.Timeout = time.Second
	}
	return &Bridge{
		cfg:   cfg,
		store: NewStore(),
		httpc: &http.Client{Timeout: cfg.Callbacks.Timeout},
		log:   slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
}

func TestStatusCallbackPost(t *testing.T) {
	got := make(chan statusEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev statusEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- ev
	}))
	defer srv.Close()

	b := testBridge(&Config{Callbacks: CallbackConfig{
		Method: http.MethodPost,
		Events: []string{"initiated", "ringing", "answered", "completed"},
	}})

	record := NewCallRecord("sid-1", DirectionInbound, "+336", "+334", nil, "", srv.URL)
	record.SetStatus(StatusRinging)
	b.fireCallback(record, "ringing")

	select {
	case ev := <-got:
		if ev.Event != "ringing" || ev.SID != "sid-1" || ev.Status != StatusRinging {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestStatusCallbackGetAndFiltering(t *testing.T) {
	hits := make(chan *http.Request, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		hits <- r.Clone(r.Context())
	}))
	defer srv.Close()

	b := testBridge(&Config{Callbacks: CallbackConfig{
		Method: http.MethodGet,
		Events: []string{"completed"},
	}})
	record := NewCallRecord("sid-2", DirectionOutbound, "+336", "+334", nil, "", srv.URL)

	// Not in the event filter: nothing fires.
	b.fireCallback(record, "ringing")
	select {
	case <-hits:
		t.Fatal("filtered event fired")
	case <-time.After(100 * time.Millisecond):
	}

	record.Finish(StatusCompleted)
	b.fireCallback(record, "completed")
	select {
	case r := <-hits:
		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("event") != "completed" || q.Get("sid") != "sid-2" {
			t.Errorf("request = %s %s", r.Method, r.URL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestIncomingCallbackDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["from"] == "" || req["timestamp"] == "" {
			t.Errorf("payload = %v (%v)", req, err)
		}
		json.NewEncoder(w).Encode(IncomingDecision{
			Action:       "accept",
			CustomParams: map[string]string{"table": "7"},
			WSTarget:     "ws://other:5050/media-stream",
		})
	}))
	defer srv.Close()

	b := testBridge(&Config{Callbacks: CallbackConfig{IncomingCallbackURL: srv.URL}})
	d := b.fireIncomingCallback("+336", "+334")
	if d.Action != "accept" || d.CustomParams["table"] != "7" || d.WSTarget != "ws://other:5050/media-stream" {
		t.Errorf("decision = %+v", d)
	}
}

func TestIncomingCallbackFailsOpen(t *testing.T) {
	// Unreachable consumer.
	b := testBridge(&Config{Callbacks: CallbackConfig{
		IncomingCallbackURL: "http://127.0.0.1:1/decide",
		Timeout:             100 * time.Millisecond,
	}})
	if d := b.fireIncomingCallback("+336", "+334"); d.Action != "accept" {
		t.Errorf("unreachable: action = %q", d.Action)
	}

	// Consumer errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	b = testBridge(&Config{Callbacks: CallbackConfig{IncomingCallbackURL: srv.URL}})
	if d := b.fireIncomingCallback("+336", "+334"); d.Action != "accept" {
		t.Errorf("5xx: action = %q", d.Action)
	}

	// Garbage reply.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv2.Close()
	b = testBridge(&Config{Callbacks: CallbackConfig{IncomingCallbackURL: srv2.URL}})
	if d := b.fireIncomingCallback("+336", "+334"); d.Action != "accept" {
		t.Errorf("bad JSON: action = %q", d.Action)
	}

	// No URL configured at all.
	b = testBridge(&Config{})
	if d := b.fireIncomingCallback("+336", "+334"); d.Action != "accept" {
		t.Errorf("no URL: action = %q", d.Action)
	}
}
