package sipbridge

import (
	"bytes"
	"testing"

	"github.com/sebas/maitred/internal/media"
)

func TestAudioPortPlaybackFraming(t *testing.T) {
	p := NewAudioPort(media.CodecPCMU)
	need := media.CodecPCMU.BytesPerFrame()

	// Underrun: silence frame, nothing consumed.
	frame, ok := p.NextFrame()
	if ok {
		t.Error("empty port reported real audio")
	}
	if len(frame) != need {
		t.Fatalf("frame len = %d, want %d", len(frame), need)
	}
	for _, b := range frame {
		if b != ulawSilence {
			t.Fatalf("silence frame byte = %#x", b)
		}
	}

	// One and a half frames fed: one real frame, then silence again.
	audio := bytes.Repeat([]byte{0x42}, need+need/2)
	p.FeedAudio(audio)

	frame, ok = p.NextFrame()
	if !ok || !bytes.Equal(frame, audio[:need]) {
		t.Errorf("first frame ok=%v", ok)
	}
	if _, ok = p.NextFrame(); ok {
		t.Error("half frame served as full frame")
	}
	if p.Buffered() != need/2 {
		t.Errorf("buffered = %d, want %d", p.Buffered(), need/2)
	}
}

func TestAudioPortDeferredMarks(t *testing.T) {
	p := NewAudioPort(media.CodecPCMU)
	need := media.CodecPCMU.BytesPerFrame()

	p.FeedAudio(bytes.Repeat([]byte{1}, 2*need))
	p.QueueMark("part1")
	p.FeedAudio(bytes.Repeat([]byte{2}, need))
	p.QueueMark("part2")

	if marks := p.ReadyMarks(); len(marks) != 0 {
		t.Fatalf("marks ready before playback: %v", marks)
	}

	p.NextFrame()
	if marks := p.ReadyMarks(); len(marks) != 0 {
		t.Fatalf("mark ready after partial playback: %v", marks)
	}

	p.NextFrame()
	if marks := p.ReadyMarks(); len(marks) != 1 || marks[0] != "part1" {
		t.Fatalf("marks = %v, want [part1]", marks)
	}

	// Silence frames must not release part2.
	p2 := NewAudioPort(media.CodecPCMU)
	p2.FeedAudio(bytes.Repeat([]byte{1}, need/2))
	p2.QueueMark("pending")
	p2.NextFrame() // underrun, silence
	if marks := p2.ReadyMarks(); len(marks) != 0 {
		t.Fatalf("silence released mark: %v", marks)
	}

	p.NextFrame()
	if marks := p.ReadyMarks(); len(marks) != 1 || marks[0] != "part2" {
		t.Fatalf("marks = %v, want [part2]", marks)
	}
}

func TestAudioPortClearDiscardsMarks(t *testing.T) {
	p := NewAudioPort(media.CodecPCMU)
	need := media.CodecPCMU.BytesPerFrame()

	p.FeedAudio(bytes.Repeat([]byte{1}, 3*need))
	p.QueueMark("stale")
	p.ClearAudio()

	if p.Buffered() != 0 {
		t.Errorf("buffered = %d after clear", p.Buffered())
	}
	// Play silence for a while; the stale mark must never surface.
	for i := 0; i < 5; i++ {
		p.NextFrame()
		if marks := p.ReadyMarks(); len(marks) != 0 {
			t.Fatalf("stale mark surfaced: %v", marks)
		}
	}

	// New audio after the clear works normally.
	p.FeedAudio(bytes.Repeat([]byte{3}, need))
	p.QueueMark("fresh")
	p.NextFrame()
	if marks := p.ReadyMarks(); len(marks) != 1 || marks[0] != "fresh" {
		t.Fatalf("marks = %v, want [fresh]", marks)
	}
}

func TestAudioPortClearMidPlayback(t *testing.T) {
	p := NewAudioPort(media.CodecPCMU)
	need := media.CodecPCMU.BytesPerFrame()

	// Part of the response has played when the caller barges in.
	p.FeedAudio(bytes.Repeat([]byte{1}, 4*need))
	p.QueueMark("interrupted")
	p.NextFrame()
	p.ClearAudio()

	// The next response's mark must trigger on its own audio alone,
	// not after the discarded backlog would have played.
	p.FeedAudio(bytes.Repeat([]byte{2}, need))
	p.QueueMark("next-turn")
	p.NextFrame()
	if marks := p.ReadyMarks(); len(marks) != 1 || marks[0] != "next-turn" {
		t.Fatalf("marks = %v, want [next-turn]", marks)
	}
}

func TestAudioPortCallerQueue(t *testing.T) {
	p := NewAudioPort(media.CodecPCMU)

	if _, ok := p.ReadCaller(); ok {
		t.Error("empty rx queue returned a frame")
	}

	p.PushCaller([]byte{1, 2, 3})
	p.PushCaller([]byte{4, 5, 6})

	first, ok := p.ReadCaller()
	if !ok || !bytes.Equal(first, []byte{1, 2, 3}) {
		t.Errorf("first = %v ok=%v", first, ok)
	}
	second, _ := p.ReadCaller()
	if !bytes.Equal(second, []byte{4, 5, 6}) {
		t.Errorf("second = %v", second)
	}
}
