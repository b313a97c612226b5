// Package media holds the audio primitives shared by both telephony
// adapters: the G.711 µ-law codec, the codec descriptors used for RTP
// negotiation, and the paced RTP writer.
package media

import (
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
// Use the pre-defined codec values (CodecPCMU, CodecPCMA) for RTP streaming.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (20ms for telephony)
	Channels    int           // 1 for mono
}

// Codec preference for trunk negotiation, higher priority first.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload bytes per frame.
// G.711 is 1 byte per sample, so this equals SamplesPerFrame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// PCMBytesPerFrame returns the 16-bit linear PCM bytes per frame.
func (c Codec) PCMBytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels * 2
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// PCMToPCMU converts 16-bit little-endian PCM to µ-law.
// Output length is half the input length.
func PCMToPCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// PCMUToPCM converts µ-law to 16-bit little-endian PCM.
// Output length is twice the input length.
func PCMUToPCM(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCMUToPCMA transcodes µ-law to A-law for trunks that negotiated PCMA.
func PCMUToPCMA(ulaw []byte) []byte {
	return g711.Ulaw2Alaw(ulaw)
}

// PCMAToPCMU transcodes A-law to µ-law.
func PCMAToPCMU(alaw []byte) []byte {
	return g711.Alaw2Ulaw(alaw)
}
