package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/maitred/internal/media"
)

// rtpLeg is the UDP media leg toward the SIP remote party. It decodes
// incoming RTP into the audio port and plays the port's tx buffer out
// at the codec clock. The port always carries µ-law; when the trunk
// negotiated PCMA the leg transcodes at the socket boundary.
type rtpLeg struct {
	conn *net.UDPConn
	port *AudioPort
	log  *slog.Logger

	mu     sync.Mutex
	codec  media.Codec
	writer *media.RTPStreamWriter
}

// newRTPLeg binds an ephemeral UDP port for the call.
func newRTPLeg(port *AudioPort, log *slog.Logger) (*rtpLeg, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind RTP port: %w", err)
	}
	return &rtpLeg{conn: conn, port: port, log: log}, nil
}

// localPort returns the bound RTP port for SDP.
func (l *rtpLeg) localPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// connectRemote locks in the negotiated remote endpoint and codec.
func (l *rtpLeg) connectRemote(addr string, rtpPort int, codec media.Codec) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid remote RTP address %q", addr)
	}
	raddr := &net.UDPAddr{IP: ip, Port: rtpPort}

	l.mu.Lock()
	l.codec = codec
	l.writer = media.NewRTPStreamWriter(l.conn, raddr, codec)
	l.mu.Unlock()

	l.log.Debug("RTP leg connected",
		"local", l.conn.LocalAddr().String(),
		"remote", raddr.String(),
		"codec", codec.Name,
	)
	return nil
}

// run drives both media directions until the context ends.
func (l *rtpLeg) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readLoop(gctx) })
	g.Go(func() error { return l.sendLoop(gctx) })

	// Closing the socket unblocks the reader.
	go func() {
		<-gctx.Done()
		l.close()
	}()

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop pushes received RTP payloads into the port as µ-law.
func (l *rtpLeg) readLoop(ctx context.Context) error {
	buf := make([]byte, 1500)
	var pkt rtp.Packet

	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("RTP read: %w", err)
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.log.Debug("dropping malformed RTP packet", "error", err)
			continue
		}
		l.port.PushCaller(l.toPort(pkt.Payload))
	}
}

// sendLoop plays the port's tx buffer toward the remote party. The
// writer paces one frame per codec tick; underruns send silence so the
// stream never goes quiet on the wire.
func (l *rtpLeg) sendLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, _ := l.port.NextFrame()

		l.mu.Lock()
		w := l.writer
		l.mu.Unlock()
		if w == nil {
			return fmt.Errorf("RTP send before remote negotiated")
		}

		if _, err := w.Write(l.toWire(frame)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("RTP write: %w", err)
		}
	}
}

// toPort converts a wire payload to the port's µ-law format.
func (l *rtpLeg) toPort(payload []byte) []byte {
	l.mu.Lock()
	codec := l.codec
	l.mu.Unlock()
	if codec.PayloadType == media.CodecPCMA.PayloadType {
		return media.PCMAToPCMU(payload)
	}
	return payload
}

// toWire converts µ-law from the port to the negotiated wire format.
func (l *rtpLeg) toWire(frame []byte) []byte {
	l.mu.Lock()
	codec := l.codec
	l.mu.Unlock()
	if codec.PayloadType == media.CodecPCMA.PayloadType {
		return media.PCMUToPCMA(frame)
	}
	return frame
}

func (l *rtpLeg) close() {
	l.mu.Lock()
	if l.writer != nil {
		_ = l.writer.Close()
	}
	l.mu.Unlock()
	_ = l.conn.Close()
}
