package audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

// Level mapping bounds in dBFS. Frames at or below floorDB score 0,
// frames at or above ceilDB score 1.
const (
	floorDB = -50.0
	ceilDB  = -10.0
)

// VAD scores frames for voice activity. The per-frame level is the RMS
// energy mapped onto [0,1]; the confidence is the mean level over a rolling
// window of frames.
type VAD struct {
	encoding Encoding
	window   []float64
	next     int
	filled   int
	sum      float64
}

// NewVAD creates a detector averaging over windowFrames frames.
func NewVAD(windowFrames int, enc Encoding) *VAD {
	if windowFrames <= 0 {
		windowFrames = 1
	}
	return &VAD{
		encoding: enc,
		window:   make([]float64, windowFrames),
	}
}

// Process scores payload and returns its level and the updated rolling confidence.
func (v *VAD) Process(payload []byte) (level, confidence float64) {
	level = Level(Samples(payload, v.encoding))

	v.sum -= v.window[v.next]
	v.window[v.next] = level
	v.sum += level
	v.next = (v.next + 1) % len(v.window)
	if v.filled < len(v.window) {
		v.filled++
	}

	confidence = v.sum / float64(v.filled)
	if confidence < 0 {
		confidence = 0
	}
	return level, confidence
}

// Reset clears the rolling window.
func (v *VAD) Reset() {
	for i := range v.window {
		v.window[i] = 0
	}
	v.next, v.filled, v.sum = 0, 0, 0
}

// Samples decodes payload into 16-bit linear samples.
func Samples(payload []byte, enc Encoding) []int16 {
	if enc == EncodingPCMU {
		payload = g711.DecodeUlaw(payload)
	}
	n := len(payload) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return out
}

// Level maps the RMS energy of samples onto [0,1].
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		f := float64(s)
		acc += f * f
	}
	rms := math.Sqrt(acc / float64(len(samples)))
	if rms < 1 {
		return 0
	}
	db := 20 * math.Log10(rms/32768.0)
	switch {
	case db <= floorDB:
		return 0
	case db >= ceilDB:
		return 1
	default:
		return (db - floorDB) / (ceilDB - floorDB)
	}
}

// Tone returns a PCM16 payload of n samples at constant amplitude.
// Used by clients and tests to synthesize speech-like energy.
func Tone(n int, amplitude int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
