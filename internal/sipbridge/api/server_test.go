package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sebas/maitred/internal/sipbridge"
)

// fakeBridge implements Controller with canned results.
type fakeBridge struct {
	store       *sipbridge.Store
	registered  bool
	makeCallErr error
	hangupErr   error
	transferErr error

	lastMakeCall sipbridge.MakeCallRequest
	lastTransfer string
}

func (f *fakeBridge) Registered() bool { return f.registered }
func (f *fakeBridge) Account() string  { return "maitred@sip.example.com" }

func (f *fakeBridge) Config() *sipbridge.Config {
	return &sipbridge.Config{
		WSTarget:           "ws://localhost:5050/media-stream",
		MaxConcurrentCalls: 10,
	}
}

func (f *fakeBridge) Store() *sipbridge.Store { return f.store }

func (f *fakeBridge) MakeCall(req sipbridge.MakeCallRequest) (*sipbridge.CallRecord, error) {
	f.lastMakeCall = req
	if f.makeCallErr != nil {
		return nil, f.makeCallErr
	}
	r := sipbridge.NewCallRecord("out-1", sipbridge.DirectionOutbound, "+33491234567", req.To, req.CustomParams, "", "")
	f.store.Put(r)
	return r, nil
}

func (f *fakeBridge) Hangup(sid string) error { return f.hangupErr }

func (f *fakeBridge) Transfer(sid, destination string) error {
	f.lastTransfer = destination
	return f.transferErr
}

func newTestServer(f *fakeBridge) *Server {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return NewServer(":0", f, log)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func TestHealthShape(t *testing.T) {
	f := &fakeBridge{store: sipbridge.NewStore(), registered: true}
	w := do(t, newTestServer(f), http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Status        string `json:"status"`
		SIPRegistered bool   `json:"sip_registered"`
		SIPAccount    string `json:"sip_account"`
		WSTarget      string `json:"ws_target"`
		ActiveCalls   int    `json:"active_calls"`
		MaxConcurrent int    `json:"max_concurrent_calls"`
		Audio         struct {
			Codec     string `json:"codec"`
			ClockRate int    `json:"clock_rate"`
			FrameMS   int    `json:"frame_ms"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.SIPRegistered || resp.SIPAccount != "maitred@sip.example.com" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Audio.Codec != "PCMU" || resp.Audio.ClockRate != 8000 || resp.Audio.FrameMS != 20 {
		t.Errorf("audio = %+v", resp.Audio)
	}
}

func TestListAndGetCalls(t *testing.T) {
	f := &fakeBridge{store: sipbridge.NewStore()}
	f.store.Put(sipbridge.NewCallRecord("c1", sipbridge.DirectionInbound, "+336", "+334", nil, "", ""))
	s := newTestServer(f)

	w := do(t, s, http.MethodGet, "/api/calls", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []sipbridge.CallInfo
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SID != "c1" {
		t.Errorf("list = %+v", list)
	}

	if w := do(t, s, http.MethodGet, "/api/calls/c1", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/calls/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing call status = %d", w.Code)
	}
}

func TestMakeCall(t *testing.T) {
	f := &fakeBridge{store: sipbridge.NewStore()}
	s := newTestServer(f)

	w := do(t, s, http.MethodPost, "/api/calls",
		`{"to":"+33611111111","customParams":{"restaurantId":"r1"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var info sipbridge.CallInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Status != sipbridge.StatusInitiated || info.Direction != sipbridge.DirectionOutbound {
		t.Errorf("info = %+v", info)
	}
	if f.lastMakeCall.To != "+33611111111" || f.lastMakeCall.CustomParams["restaurantId"] != "r1" {
		t.Errorf("request = %+v", f.lastMakeCall)
	}

	if w := do(t, s, http.MethodPost, "/api/calls", `{broken`); w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", w.Code)
	}

	f.makeCallErr = sipbridge.ErrTooManyCalls
	if w := do(t, s, http.MethodPost, "/api/calls", `{"to":"+33611111111"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("over capacity status = %d", w.Code)
	}
}

func TestHangup(t *testing.T) {
	f := &fakeBridge{store: sipbridge.NewStore()}
	s := newTestServer(f)

	w := do(t, s, http.MethodDelete, "/api/calls/c1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "cancelled" || resp["sid"] != "c1" {
		t.Errorf("resp = %v", resp)
	}

	f.hangupErr = sipbridge.ErrCallNotFound
	if w := do(t, s, http.MethodDelete, "/api/calls/c1", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing call status = %d", w.Code)
	}
}

func TestTransfer(t *testing.T) {
	f := &fakeBridge{store: sipbridge.NewStore()}
	s := newTestServer(f)

	if w := do(t, s, http.MethodPost, "/api/calls/c1/transfer", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty destination status = %d", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/calls/c1/transfer", `{"destination":"+33622222222"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if f.lastTransfer != "+33622222222" {
		t.Errorf("destination = %q", f.lastTransfer)
	}

	f.transferErr = sipbridge.ErrCallNotFound
	if w := do(t, s, http.MethodPost, "/api/calls/c1/transfer", `{"destination":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("not found status = %d", w.Code)
	}

	f.transferErr = sipbridge.ErrCallNotActive
	if w := do(t, s, http.MethodPost, "/api/calls/c1/transfer", `{"destination":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("not active status = %d", w.Code)
	}
}
