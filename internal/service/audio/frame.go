// Package audio provides the per-call audio frame bus: inbound frames from
// the transport are sequence-checked, scored for voice activity and forwarded
// to the call task; synthesized frames are queued for the transport to pull.
package audio

import (
	"fmt"
	"time"
)

// Direction is the stream direction of a frame.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", d)
	}
}

// Encoding identifies the sample format of frame payloads.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // 16-bit little-endian linear PCM
	EncodingPCMU  Encoding = "pcmu"  // G.711 mu-law
)

// Frame is a fixed-duration slice of audio.
type Frame struct {
	CallID    string
	Seq       uint64
	Direction Direction
	Payload   []byte
	// At is the server receive time for inbound frames and the playback
	// time for outbound frames. Turn timing is measured against it.
	At time.Time
	// SentAt is the sender's own timestamp, kept as metadata only.
	SentAt time.Time
	// TurnID tags outbound frames with the agent turn that produced them.
	TurnID string
}

// FrameBytes returns the payload size of one frame.
func FrameBytes(enc Encoding, sampleRateHz int, d time.Duration) int {
	samples := int(int64(sampleRateHz) * int64(d) / int64(time.Second))
	if enc == EncodingPCMU {
		return samples
	}
	return samples * 2
}

// SilenceByte returns the byte value that encodes silence for enc.
func SilenceByte(enc Encoding) byte {
	if enc == EncodingPCMU {
		return 0xFF
	}
	return 0x00
}

// Framer re-slices a byte stream into fixed-size frame payloads.
type Framer struct {
	size    int
	silence byte
	buf     []byte
}

// NewFramer creates a framer producing payloads of size bytes.
func NewFramer(size int, enc Encoding) *Framer {
	return &Framer{size: size, silence: SilenceByte(enc)}
}

// Write appends p and returns every complete frame payload now available.
func (f *Framer) Write(p []byte) [][]byte {
	f.buf = append(f.buf, p...)
	var out [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		out = append(out, frame)
		f.buf = f.buf[f.size:]
	}
	return out
}

// Flush returns the buffered remainder padded with silence, or nil if empty.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	n := copy(frame, f.buf)
	for i := n; i < f.size; i++ {
		frame[i] = f.silence
	}
	f.buf = nil
	return frame
}
