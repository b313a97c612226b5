package sipbridge

import (
	"strings"
	"testing"

	"github.com/sebas/maitred/internal/media"
)

func TestBuildSDPRoundTrip(t *testing.T) {
	body, err := buildSDP("192.168.1.10", 40000, codecPreference)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	for _, want := range []string{"m=audio 40000", "0 PCMU/8000", "8 PCMA/8000", "c=IN IP4 192.168.1.10", "a=ptime:20"} {
		if !strings.Contains(text, want) {
			t.Errorf("SDP missing %q:\n%s", want, text)
		}
	}

	addr, port, codec, err := negotiateSDP(body)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "192.168.1.10" || port != 40000 {
		t.Errorf("remote = %s:%d", addr, port)
	}
	if codec.Name != "PCMU" {
		t.Errorf("codec = %s, want PCMU over PCMA", codec.Name)
	}
}

func TestNegotiateSDPFallsBackToPCMA(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.5",
		"s=-",
		"c=IN IP4 10.0.0.5",
		"t=0 0",
		"m=audio 50000 RTP/AVP 8 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"",
	}, "\r\n")

	addr, port, codec, err := negotiateSDP([]byte(offer))
	if err != nil {
		t.Fatal(err)
	}
	if addr != "10.0.0.5" || port != 50000 {
		t.Errorf("remote = %s:%d", addr, port)
	}
	if codec.PayloadType != media.CodecPCMA.PayloadType {
		t.Errorf("codec = %s", codec.Name)
	}
}

func TestNegotiateSDPNoCommonCodec(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.5",
		"s=-",
		"c=IN IP4 10.0.0.5",
		"t=0 0",
		"m=audio 50000 RTP/AVP 9",
		"a=rtpmap:9 G722/8000",
		"",
	}, "\r\n")

	if _, _, _, err := negotiateSDP([]byte(offer)); err == nil {
		t.Error("G722-only offer accepted")
	}
}

func TestNegotiateSDPSessionLevelConnection(t *testing.T) {
	// Connection line at session level only, not under m=.
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 172.16.0.9",
		"s=-",
		"c=IN IP4 172.16.0.9",
		"t=0 0",
		"m=audio 6000 RTP/AVP 0",
		"",
	}, "\r\n")

	addr, _, _, err := negotiateSDP([]byte(offer))
	if err != nil {
		t.Fatal(err)
	}
	if addr != "172.16.0.9" {
		t.Errorf("addr = %s", addr)
	}
}
