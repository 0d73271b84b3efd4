package audio

import (
	"testing"
	"time"

	"github.com/zaf/g711"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name      string
		amplitude int16
		min, max  float64
	}{
		{"silence", 0, 0, 0},
		{"quiet", 50, 0, 0.01},
		{"medium", 1000, 0.45, 0.55},
		{"loud", 16000, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Level(Samples(Tone(160, tt.amplitude), EncodingPCM16))
			if got < tt.min || got > tt.max {
				t.Errorf("Level(%d) = %v, want within [%v,%v]", tt.amplitude, got, tt.min, tt.max)
			}
		})
	}
}

func TestVAD_RollingConfidence(t *testing.T) {
	v := NewVAD(4, EncodingPCM16)
	loud := Tone(160, 16000)
	silent := make([]byte, 320)

	_, c := v.Process(loud)
	if c != 1 {
		t.Errorf("expected 1 after one loud frame, got %v", c)
	}
	v.Process(silent)
	_, c = v.Process(silent)
	if c < 0.33 || c > 0.34 {
		t.Errorf("expected ~1/3 confidence, got %v", c)
	}
	v.Process(silent)
	_, c = v.Process(silent)
	if c != 0 {
		t.Errorf("expected loud frame to leave the window, got %v", c)
	}

	v.Reset()
	_, c = v.Process(silent)
	if c != 0 {
		t.Errorf("expected 0 after reset, got %v", c)
	}
}

func TestSamples_PCMU(t *testing.T) {
	pcm := Tone(160, 16000)
	ulaw := g711.EncodeUlaw(pcm)
	if len(ulaw) != 160 {
		t.Fatalf("expected one byte per sample, got %d", len(ulaw))
	}
	level := Level(Samples(ulaw, EncodingPCMU))
	if level < 0.95 {
		t.Errorf("expected loud level after mu-law round trip, got %v", level)
	}
}

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(EncodingPCM16, 8000, 20*time.Millisecond); got != 320 {
		t.Errorf("pcm16: expected 320, got %d", got)
	}
	if got := FrameBytes(EncodingPCMU, 8000, 20*time.Millisecond); got != 160 {
		t.Errorf("pcmu: expected 160, got %d", got)
	}
}

func TestFramer(t *testing.T) {
	f := NewFramer(4, EncodingPCMU)

	frames := f.Write([]byte{1, 2, 3, 4, 5, 6})
	if len(frames) != 1 || frames[0][3] != 4 {
		t.Fatalf("unexpected frames %v", frames)
	}
	frames = f.Write([]byte{7, 8, 9})
	if len(frames) != 1 || frames[0][0] != 5 {
		t.Fatalf("unexpected frames %v", frames)
	}
	rest := f.Flush()
	if len(rest) != 4 || rest[0] != 9 || rest[1] != 0xFF {
		t.Errorf("expected padded remainder, got %v", rest)
	}
	if f.Flush() != nil {
		t.Error("second flush should be empty")
	}
}

func TestDirection_String(t *testing.T) {
	if Inbound.String() != "inbound" || Outbound.String() != "outbound" {
		t.Error("unexpected direction names")
	}
	if Direction(9).String() != "UNKNOWN(9)" {
		t.Errorf("got %s", Direction(9).String())
	}
}
