package sipbridge

import (
	"testing"
	"time"
)

func TestStatusForSIPCode(t *testing.T) {
	cases := []struct {
		code int
		want CallStatus
	}{
		{200, StatusCompleted},
		{486, StatusBusy},
		{600, StatusBusy},
		{408, StatusNoAnswer},
		{480, StatusNoAnswer},
		{403, StatusFailed},
		{500, StatusFailed},
	}
	for _, c := range cases {
		if got := statusForSIPCode(c.code); got != c.want {
			t.Errorf("statusForSIPCode(%d) = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestCallRecordLifecycle(t *testing.T) {
	r := NewCallRecord("sid-1", DirectionInbound, "+33611111111", "+33491234567",
		map[string]string{"restaurantId": "r1"}, "ws://x", "")

	if r.Status() != StatusInitiated {
		t.Fatalf("status = %q", r.Status())
	}
	r.SetStatus(StatusRinging)
	r.SetStatus(StatusAnswered)

	info := r.Info()
	if info.AnsweredAt == "" {
		t.Error("answeredAt not stamped on answer")
	}
	if info.EndedAt != "" {
		t.Error("endedAt stamped before finish")
	}

	if !r.Finish(StatusCompleted) {
		t.Error("first finish rejected")
	}
	if r.Finish(StatusFailed) {
		t.Error("second finish accepted")
	}
	if r.Status() != StatusCompleted {
		t.Errorf("status = %q after double finish", r.Status())
	}
	if r.Info().EndedAt == "" {
		t.Error("endedAt not stamped")
	}
}

func TestCallRecordParamMerge(t *testing.T) {
	defaults := map[string]string{"restaurantId": "r1", "env": "prod"}
	r := NewCallRecord("sid-1", DirectionOutbound, "a", "b", defaults, "", "")

	r.MergeParams(map[string]string{"env": "test", "extra": "1"})
	got := r.Params()
	if got["restaurantId"] != "r1" || got["env"] != "test" || got["extra"] != "1" {
		t.Errorf("params = %v", got)
	}
	// The bridge defaults must not be mutated through the record.
	if defaults["env"] != "prod" {
		t.Error("defaults mutated by merge")
	}
}

func TestStoreActiveCountAndEviction(t *testing.T) {
	s := NewStore()
	s.retention = 20 * time.Millisecond

	a := NewCallRecord("a", DirectionInbound, "1", "2", nil, "", "")
	b := NewCallRecord("b", DirectionInbound, "1", "2", nil, "", "")
	s.Put(a)
	s.Put(b)

	if s.ActiveCount() != 2 {
		t.Fatalf("active = %d", s.ActiveCount())
	}

	a.Finish(StatusCompleted)
	if s.ActiveCount() != 1 {
		t.Errorf("active = %d after finish", s.ActiveCount())
	}

	// Finished records stay visible during the retention window.
	s.ScheduleEvict("a")
	if _, ok := s.Get("a"); !ok {
		t.Fatal("record evicted immediately")
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := s.Get("a"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("record never evicted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, ok := s.Get("b"); !ok {
		t.Error("unrelated record evicted")
	}
}
