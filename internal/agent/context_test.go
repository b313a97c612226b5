package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sebas/maitred/internal/restaurant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOutcomePriority(t *testing.T) {
	cases := []struct {
		name string
		prep func(*CallContext)
		want string
	}{
		{"nothing", func(c *CallContext) {}, OutcomeAbandoned},
		{"conversation only", func(c *CallContext) {
			c.AppendTranscript("user", "bonjour")
		}, OutcomeInfoOnly},
		{"message", func(c *CallContext) {
			c.AppendTranscript("user", "bonjour")
			c.MarkMessageLeft()
		}, OutcomeMessageLeft},
		{"reservation beats message", func(c *CallContext) {
			c.MarkMessageLeft()
			c.MarkReservationPlaced()
		}, OutcomeReservationPlaced},
		{"order beats reservation", func(c *CallContext) {
			c.MarkReservationPlaced()
			c.MarkOrderPlaced()
		}, OutcomeOrderPlaced},
		{"transfer beats everything", func(c *CallContext) {
			c.MarkOrderPlaced()
			c.MarkTransferred("humain demande")
		}, OutcomeTransferred},
	}
	for _, tc := range cases {
		cc := NewCallContext("r1")
		tc.prep(cc)
		if got := cc.Outcome(); got != tc.want {
			t.Errorf("%s: outcome = %q, want %q", tc.name, got, tc.want)
		}
	}
}

// recordingAPI captures business API writes during finalization.
type recordingAPI struct {
	mu       sync.Mutex
	patches  []map[string]any
	messages []map[string]any
}

func (r *recordingAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		switch {
		case req.Method == http.MethodPatch && req.URL.Path == "/api/calls":
			r.patches = append(r.patches, body)
		case req.Method == http.MethodPost && req.URL.Path == "/api/messages":
			r.messages = append(r.messages, body)
		}
		r.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "x"})
	}))
}

func TestFinalizeRunsOnce(t *testing.T) {
	rec := &recordingAPI{}
	srv := rec.server(t)
	defer srv.Close()
	api := restaurant.NewClient(srv.URL, discardLogger())

	cc := NewCallContext("r1")
	cc.CallID = "call-1"
	cc.MarkOrderPlaced()

	cc.Finalize(context.Background(), api, discardLogger())
	cc.Finalize(context.Background(), api, discardLogger())

	if len(rec.patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(rec.patches))
	}
	p := rec.patches[0]
	if p["outcome"] != OutcomeOrderPlaced || p["id"] != "call-1" {
		t.Errorf("patch = %v", p)
	}
}

func TestFinalizeWithoutCallRecordIsNoop(t *testing.T) {
	rec := &recordingAPI{}
	srv := rec.server(t)
	defer srv.Close()
	api := restaurant.NewClient(srv.URL, discardLogger())

	cc := NewCallContext("r1")
	cc.AppendTranscript("user", "allo")
	cc.Finalize(context.Background(), api, discardLogger())

	if len(rec.patches) != 0 || len(rec.messages) != 0 {
		t.Errorf("requests made without a call record: %d patches, %d messages", len(rec.patches), len(rec.messages))
	}
}

func TestFinalizeAutoMessage(t *testing.T) {
	rec := &recordingAPI{}
	srv := rec.server(t)
	defer srv.Close()
	api := restaurant.NewClient(srv.URL, discardLogger())

	cc := NewCallContext("r1")
	cc.CallID = "call-2"
	cc.CallerPhone = "+33611111111"
	// Eight turns: only the last six make the summary. The long turn
	// gets clipped at 100 characters.
	for i := 1; i <= 7; i++ {
		cc.AppendTranscript("user", fmt.Sprintf("question %d", i))
	}
	cc.AppendTranscript("assistant", strings.Repeat("a", 150))

	cc.Finalize(context.Background(), api, discardLogger())

	if len(rec.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(rec.messages))
	}
	content, _ := rec.messages[0]["content"].(string)
	if strings.Contains(content, "question 2") {
		t.Error("summary includes turns older than the last six")
	}
	if !strings.Contains(content, "Client: question 3") {
		t.Errorf("summary missing expected turn:\n%s", content)
	}
	if !strings.Contains(content, "IA: "+strings.Repeat("a", 100)) || strings.Contains(content, strings.Repeat("a", 101)) {
		t.Error("long turn not clipped to 100 characters")
	}
	if rec.messages[0]["category"] != "info_request" {
		t.Errorf("category = %v", rec.messages[0]["category"])
	}

	if len(rec.patches) != 1 || rec.patches[0]["outcome"] != OutcomeInfoOnly {
		t.Errorf("patches = %v", rec.patches)
	}
}

func TestFinalizeNoAutoMessageAfterOrder(t *testing.T) {
	rec := &recordingAPI{}
	srv := rec.server(t)
	defer srv.Close()
	api := restaurant.NewClient(srv.URL, discardLogger())

	cc := NewCallContext("r1")
	cc.CallID = "call-3"
	cc.AppendTranscript("user", "une pizza")
	cc.MarkOrderPlaced()
	cc.Finalize(context.Background(), api, discardLogger())

	if len(rec.messages) != 0 {
		t.Errorf("auto message created despite order: %v", rec.messages)
	}
}
