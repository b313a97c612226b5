package mediastream

import (
	"encoding/json"
	"testing"
)

func TestParseMediaTimestampForms(t *testing.T) {
	// Hosted providers quote the timestamp, the bridge sends a number.
	cases := []string{
		`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA","timestamp":"1234"}}`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA","timestamp":1234}}`,
	}
	for _, raw := range cases {
		ev, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", raw, err)
		}
		if ev.Event != EventMedia || ev.Media == nil {
			t.Fatalf("Parse(%s): event=%q media=%v", raw, ev.Event, ev.Media)
		}
		if ev.Media.Timestamp != 1234 {
			t.Errorf("timestamp = %d, want 1234", ev.Media.Timestamp)
		}
		if ev.Media.Payload != "AAAA" {
			t.Errorf("payload = %q, want AAAA", ev.Media.Payload)
		}
	}
}

func TestParseStartCustomParameters(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"callerPhone":"+33611111111","restaurantId":"r1"}}}`
	ev, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Start == nil || ev.Start.CustomParameters["callerPhone"] != "+33611111111" {
		t.Errorf("start = %+v, want callerPhone custom parameter", ev.Start)
	}
}

func TestParseUnknownEvent(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"dtmf","dtmf":{"digit":"5"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Event != "dtmf" {
		t.Errorf("event = %q, want dtmf", ev.Event)
	}
}

func TestBuildersOmitUnusedSections(t *testing.T) {
	data, err := json.Marshal(Mark("MZ1", "greeting"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := m["media"]; ok {
		t.Error("mark frame carries a media section")
	}
	if m["streamSid"] != "MZ1" {
		t.Errorf("streamSid = %v, want MZ1", m["streamSid"])
	}
	mark, _ := m["mark"].(map[string]any)
	if mark["name"] != "greeting" {
		t.Errorf("mark.name = %v, want greeting", mark["name"])
	}
}
