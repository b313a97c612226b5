package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebas/maitred/internal/restaurant"
)

func newDispatcher(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := restaurant.NewClient(srv.URL, discardLogger())
	return NewDispatcher(api, discardLogger()), srv
}

func TestDispatchEndCall(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("end_call must not reach the API: %s %s", r.Method, r.URL.Path)
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "end_call", "{}")
	if result["status"] != "hanging_up" {
		t.Errorf("result = %v", result)
	}
	if !cc.ShouldHangup() {
		t.Error("hangup not latched")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unknown tool must not reach the API: %s", r.URL.Path)
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "teleport_pizza", "{}")
	errMsg, _ := result["error"].(string)
	if !strings.Contains(errMsg, "teleport_pizza") {
		t.Errorf("result = %v", result)
	}
}

func TestCheckAvailabilityStoresResult(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/availability/check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["mode"] != "reservation" || body["partySize"] != float64(4) {
			t.Errorf("payload = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"available":       true,
			"estimatedTime":   "19:30",
			"estimatedTimeISO": "2026-08-24T17:30:00Z",
		})
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "check_availability",
		`{"mode":"reservation","party_size":4}`)
	if result["available"] != true {
		t.Fatalf("result = %v", result)
	}
	if cc.LastAvailability()["estimatedTimeISO"] != "2026-08-24T17:30:00Z" {
		t.Errorf("availability not stored: %v", cc.LastAvailability())
	}
}

func TestConfirmOrderResolvesItems(t *testing.T) {
	var orderBody map[string]any
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/orders" {
			json.NewDecoder(r.Body).Decode(&orderBody)
			json.NewEncoder(w).Encode(map[string]any{"id": "ord-42"})
			return
		}
		t.Errorf("unexpected path %s", r.URL.Path)
	})

	cc := NewCallContext("r1")
	cc.CallerPhone = "+33611111111"
	cc.ItemMap = map[string]restaurant.ItemRef{
		"1": {ID: "uuid-margherita", Name: "Margherita"},
		"7": {ID: "uuid-large", Name: "Grande"},
	}
	cc.SetLastAvailability(map[string]any{
		"estimatedTime":    "19:45",
		"estimatedTimeISO": "2026-08-24T17:45:00Z",
	})

	args := `{"order_type":"pickup","total":25.5,"items":[
		{"id":1,"quantity":2,"unit_price":12,
		 "selected_options":[{"name":"taille","choice_id":7,"extra_price":1.5}]},
		{"id":99,"quantity":1,"unit_price":1.5}
	]}`
	result := d.Dispatch(context.Background(), cc, "confirm_order", args)

	if result["success"] != true || result["order_id"] != "ord-42" {
		t.Fatalf("result = %v", result)
	}
	if result["heure_estimee"] != "19:45" || result["mode"] != "prete" {
		t.Errorf("result = %v", result)
	}
	if cc.Outcome() != OutcomeOrderPlaced {
		t.Error("order_placed not latched")
	}

	items, _ := orderBody["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	first, _ := items[0].(map[string]any)
	if first["menuItemId"] != "uuid-margherita" || first["name"] != "Margherita" {
		t.Errorf("item map not resolved: %v", first)
	}
	if first["totalPrice"] != float64(24) {
		t.Errorf("totalPrice = %v, want 24", first["totalPrice"])
	}
	opts, _ := first["selectedOptions"].([]any)
	opt, _ := opts[0].(map[string]any)
	if opt["choice"] != "Grande" {
		t.Errorf("choice not resolved: %v", opt)
	}
	second, _ := items[1].(map[string]any)
	if second["menuItemId"] != nil || second["name"] != "Item #99" {
		t.Errorf("unknown item handling: %v", second)
	}
	if orderBody["estimatedReadyAt"] != "2026-08-24T17:45:00Z" {
		t.Errorf("estimatedReadyAt = %v", orderBody["estimatedReadyAt"])
	}
}

func TestConfirmReservationNextDayFallback(t *testing.T) {
	var resBody map[string]any
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/reservations" {
			json.NewDecoder(r.Body).Decode(&resBody)
			json.NewEncoder(w).Encode(map[string]any{"id": "res-1"})
			return
		}
		t.Errorf("unexpected path %s", r.URL.Path)
	})

	// 21:00 in Paris (CEST, UTC+2) on 2026-08-24. A 19:30 request is
	// already past, so it lands on the 25th, 17:30 UTC.
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	d.now = func() time.Time {
		return time.Date(2026, 8, 24, 21, 0, 0, 0, paris)
	}

	cc := NewCallContext("r1")
	result := d.Dispatch(context.Background(), cc, "confirm_reservation",
		`{"reservation_time":"19:30","party_size":3,"customer_name":"Luc"}`)
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if resBody["reservationTime"] != "2026-08-25T17:30:00Z" {
		t.Errorf("reservationTime = %v, want next day 17:30 UTC", resBody["reservationTime"])
	}
	if resBody["status"] != "confirmed" || resBody["partySize"] != float64(3) {
		t.Errorf("payload = %v", resBody)
	}
	if cc.Outcome() != OutcomeReservationPlaced {
		t.Error("reservation_placed not latched")
	}
}

func TestCancelOrder(t *testing.T) {
	statusResponse := map[string]any{
		"found": true,
		"orders": []any{
			map[string]any{"orderNumber": float64(12), "status": "confirmed", "id": "ord-12"},
			map[string]any{"orderNumber": float64(13), "status": "preparing", "id": "ord-13"},
			map[string]any{"orderNumber": float64(14), "status": "pending"},
		},
	}
	var patched map[string]any
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/orders/status":
			json.NewEncoder(w).Encode(statusResponse)
		case r.Method == http.MethodPatch && r.URL.Path == "/api/orders":
			json.NewDecoder(r.Body).Decode(&patched)
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	cc := NewCallContext("r1")
	cc.CallerPhone = "+33611111111"

	// Cancellable order.
	result := d.Dispatch(context.Background(), cc, "cancel_order", `{"order_number":12}`)
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if patched["id"] != "ord-12" || patched["status"] != "cancelled" {
		t.Errorf("patch = %v", patched)
	}

	// Already in preparation.
	result = d.Dispatch(context.Background(), cc, "cancel_order", `{"order_number":13}`)
	if result["success"] != false || !strings.Contains(result["error"].(string), "preparing") {
		t.Errorf("result = %v", result)
	}

	// Order record without an id: explicit error, nothing patched.
	patched = nil
	result = d.Dispatch(context.Background(), cc, "cancel_order", `{"order_number":14}`)
	if result["success"] != false || !strings.Contains(result["error"].(string), "identifiant") {
		t.Errorf("result = %v", result)
	}
	if patched != nil {
		t.Errorf("patch issued for order without id: %v", patched)
	}

	// Unknown order number.
	result = d.Dispatch(context.Background(), cc, "cancel_order", `{"order_number":99}`)
	if result["success"] != false || !strings.Contains(result["error"].(string), "introuvable") {
		t.Errorf("result = %v", result)
	}

	// Missing order number.
	result = d.Dispatch(context.Background(), cc, "cancel_order", `{}`)
	if result["success"] != false {
		t.Errorf("result = %v", result)
	}
}

func TestLeaveMessageFailureStillComfortsCaller(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "leave_message",
		`{"content":"rappeler demain","category":"callback"}`)
	if result["success"] != true || result["message"] != "Message note" {
		t.Errorf("result = %v", result)
	}
	// The caller heard a reassurance, but the message never reached the
	// API: the outcome must not claim it did, so finalize still posts
	// the transcript as a fallback message.
	if cc.Outcome() == OutcomeMessageLeft {
		t.Errorf("outcome = %q after failed message POST", cc.Outcome())
	}
}

func TestLeaveMessageSuccessRecordsOutcome(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "msg-1"})
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "leave_message",
		`{"content":"rappeler demain","category":"callback"}`)
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if cc.Outcome() != OutcomeMessageLeft {
		t.Errorf("outcome = %q", cc.Outcome())
	}
}

func TestTransferCall(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("transfer_call must not reach the API")
	})

	cc := NewCallContext("r1")
	result := d.Dispatch(context.Background(), cc, "transfer_call", `{"reason":"litige"}`)
	if result["success"] != false {
		t.Errorf("transfer without configured number must fail: %v", result)
	}

	cc = NewCallContext("r1")
	cc.TransferPhone = "+33622222222"
	result = d.Dispatch(context.Background(), cc, "transfer_call", `{"reason":"litige"}`)
	if result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	transferred, reason := cc.Transferred()
	if !transferred || reason != "litige" || !cc.ShouldHangup() {
		t.Errorf("transferred=%v reason=%q hangup=%v", transferred, reason, cc.ShouldHangup())
	}
}

func TestHandlerFailureProducesErrorPayload(t *testing.T) {
	d, _ := newDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	cc := NewCallContext("r1")

	result := d.Dispatch(context.Background(), cc, "confirm_order", `{"total":10}`)
	if result["success"] != false {
		t.Errorf("result = %v", result)
	}
	if _, ok := result["error"].(string); !ok {
		t.Errorf("missing error detail: %v", result)
	}
	if cc.Outcome() == OutcomeOrderPlaced {
		t.Error("order_placed latched on failure")
	}
}
