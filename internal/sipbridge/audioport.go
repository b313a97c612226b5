package sipbridge

import (
	"sync"

	"github.com/sebas/maitred/internal/media"
)

// ulawSilence is the µ-law encoding of a zero sample.
const ulawSilence = 0xFF

type pendingMark struct {
	name      string
	triggerAt int64 // byte offset in the fed stream
}

// AudioPort is the buffer between the RTP leg and the WS session. All
// audio crossing it is µ-law.
//
// Caller direction: the RTP reader pushes received frames, the WS session
// drains them toward the AI.
//
// Playback direction: the WS session feeds AI audio, the RTP sender pulls
// fixed-size frames at the codec clock. Marks queued by the WS session
// become ready only once every byte fed before them has actually been
// pulled for playback, which is what makes the mark echo truthful.
type AudioPort struct {
	codec media.Codec
	rx    chan []byte

	mu            sync.Mutex
	tx            []byte
	totalFed      int64
	totalConsumed int64
	marks         []pendingMark
}

// NewAudioPort creates an audio port for one call.
func NewAudioPort(codec media.Codec) *AudioPort {
	return &AudioPort{
		codec: codec,
		// ~5s of 20ms frames; the WS session drains continuously so the
		// channel only fills if the AI side has stalled.
		rx: make(chan []byte, 256),
	}
}

// PushCaller queues audio received from the remote party. Drops the
// frame if the AI side is not keeping up; late audio is worse than lost
// audio on a live call.
func (p *AudioPort) PushCaller(payload []byte) {
	frame := make([]byte, len(payload))
	copy(frame, payload)
	select {
	case p.rx <- frame:
	default:
	}
}

// ReadCaller returns the next received frame without blocking.
func (p *AudioPort) ReadCaller() ([]byte, bool) {
	select {
	case frame := <-p.rx:
		return frame, true
	default:
		return nil, false
	}
}

// FeedAudio appends playback audio for the remote party.
func (p *AudioPort) FeedAudio(b []byte) {
	p.mu.Lock()
	p.tx = append(p.tx, b...)
	p.totalFed += int64(len(b))
	p.mu.Unlock()
}

// NextFrame returns one codec frame of playback audio. When the buffer
// runs dry it returns a silence frame and reports false; silence does
// not count as consumed, so marks stay pending until real audio plays.
func (p *AudioPort) NextFrame() ([]byte, bool) {
	need := p.codec.BytesPerFrame()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.tx) >= need {
		frame := p.tx[:need:need]
		p.tx = p.tx[need:]
		p.totalConsumed += int64(need)
		return frame, true
	}

	frame := make([]byte, need)
	for i := range frame {
		frame[i] = ulawSilence
	}
	return frame, false
}

// ClearAudio drops buffered playback audio and pending marks (barge-in).
// The fed counter rebases onto what actually played so that marks queued
// after the clear trigger once their own audio is consumed, not after the
// discarded backlog would have been.
func (p *AudioPort) ClearAudio() {
	p.mu.Lock()
	p.tx = nil
	p.marks = nil
	p.totalFed = p.totalConsumed
	p.mu.Unlock()
}

// QueueMark registers a mark to be echoed once all audio fed so far has
// been played out.
func (p *AudioPort) QueueMark(name string) {
	p.mu.Lock()
	p.marks = append(p.marks, pendingMark{name: name, triggerAt: p.totalFed})
	p.mu.Unlock()
}

// ReadyMarks returns, in order, the marks whose audio has been fully
// consumed, removing them from the pending set.
func (p *AudioPort) ReadyMarks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []string
	remaining := p.marks[:0]
	for _, m := range p.marks {
		if p.totalConsumed >= m.triggerAt {
			ready = append(ready, m.name)
		} else {
			remaining = append(remaining, m)
		}
	}
	p.marks = remaining
	return ready
}

// Buffered returns how many playback bytes are waiting.
func (p *AudioPort) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tx)
}
