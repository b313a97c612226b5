package media

import (
	"encoding/binary"
	"testing"
)

func TestCodecFrameMath(t *testing.T) {
	if got := CodecPCMU.SamplesPerFrame(); got != 160 {
		t.Errorf("SamplesPerFrame = %d, want 160", got)
	}
	if got := CodecPCMU.BytesPerFrame(); got != 160 {
		t.Errorf("BytesPerFrame = %d, want 160", got)
	}
	if got := CodecPCMU.PCMBytesPerFrame(); got != 320 {
		t.Errorf("PCMBytesPerFrame = %d, want 320", got)
	}
	if got := CodecPCMU.TimestampIncrement(); got != 160 {
		t.Errorf("TimestampIncrement = %d, want 160", got)
	}
	if CodecPCMU.PayloadType != 0 || CodecPCMA.PayloadType != 8 {
		t.Errorf("payload types = %d/%d, want 0/8", CodecPCMU.PayloadType, CodecPCMA.PayloadType)
	}
}

func TestPCMToPCMULength(t *testing.T) {
	// One 20ms frame of 16-bit PCM encodes to one byte per sample.
	pcm := make([]byte, 320)
	ulaw := PCMToPCMU(pcm)
	if len(ulaw) != len(pcm)/2 {
		t.Errorf("encoded length = %d, want %d", len(ulaw), len(pcm)/2)
	}
	back := PCMUToPCM(ulaw)
	if len(back) != len(pcm) {
		t.Errorf("decoded length = %d, want %d", len(back), len(pcm))
	}
}

func TestPCMUSilenceRoundTrip(t *testing.T) {
	// Samples in the µ-law dead zone around zero decode back to near-zero.
	pcm := make([]byte, 320)
	back := PCMUToPCM(PCMToPCMU(pcm))
	for i := 0; i < len(back); i += 2 {
		s := int16(binary.LittleEndian.Uint16(back[i:]))
		if s < -8 || s > 8 {
			t.Fatalf("sample %d decoded to %d, want near zero", i/2, s)
		}
	}
}

func TestPCMURoundTripMonotone(t *testing.T) {
	// µ-law is lossy but order-preserving: larger magnitudes stay larger.
	samples := []int16{100, 1000, 10000, 30000}
	var prev int16
	for _, s := range samples {
		pcm := make([]byte, 2)
		binary.LittleEndian.PutUint16(pcm, uint16(s))
		back := PCMUToPCM(PCMToPCMU(pcm))
		got := int16(binary.LittleEndian.Uint16(back))
		if got <= prev {
			t.Errorf("decode(%d) = %d, not above decode of previous sample %d", s, got, prev)
		}
		prev = got
	}
}
