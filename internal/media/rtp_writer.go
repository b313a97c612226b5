package media

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RTPStreamWriter writes RTP packets with clock-based timing.
// It paces packets according to the codec's sample duration,
// ensuring proper real-time playback without drift.
type RTPStreamWriter struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	// RTP header state
	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32

	// Codec timing
	codec  Codec
	ticker *time.Ticker

	mu     sync.Mutex
	closed bool
}

// NewRTPStreamWriter creates a new clock-paced RTP stream writer.
func NewRTPStreamWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPStreamWriter {
	return &RTPStreamWriter{
		conn:       conn,
		remoteAddr: remote,
		ssrc:       GenerateSSRC(),
		pt:         codec.PayloadType,
		seq:        GenerateSequenceStart(),
		timestamp:  GenerateTimestampStart(),
		codec:      codec,
		ticker:     time.NewTicker(codec.SampleDur),
	}
}

// Write writes a payload as an RTP packet with clock pacing.
// It blocks until the next clock tick. Implements io.Writer.
func (w *RTPStreamWriter) Write(payload []byte) (int, error) {
	return w.write(payload, false)
}

// WritePayload writes a payload with explicit marker bit control,
// used for the first packet of a talkspurt.
func (w *RTPStreamWriter) WritePayload(payload []byte, marker bool) error {
	_, err := w.write(payload, marker)
	return err
}

func (w *RTPStreamWriter) write(payload []byte, marker bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, net.ErrClosed
	}

	// Wait for clock tick to pace the stream
	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}

	if _, err := w.conn.WriteTo(data, w.remoteAddr); err != nil {
		return 0, err
	}

	w.seq++
	w.timestamp += w.codec.TimestampIncrement()

	return len(payload), nil
}

// SetPayloadType changes the RTP payload type for subsequent packets.
func (w *RTPStreamWriter) SetPayloadType(pt uint8) {
	w.mu.Lock()
	w.pt = pt
	w.mu.Unlock()
}

// SSRC returns the current SSRC value.
func (w *RTPStreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// Close stops the ticker and marks the writer as closed.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}
