package utterance

import (
	"sync"
	"testing"
)

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle("utt-1")

	if lc.State() != StateOpen {
		t.Errorf("expected StateOpen, got %v", lc.State())
	}
	if lc.ID() != "utt-1" {
		t.Errorf("expected utt-1, got %v", lc.ID())
	}
	if lc.IsClosed() {
		t.Error("expected IsClosed to be false")
	}
}

func TestLifecycle_PartialsThenFinal(t *testing.T) {
	lc := NewLifecycle("utt-1")

	for i := 0; i < 3; i++ {
		if err := lc.EmitPartial(); err != nil {
			t.Fatalf("partial %d: unexpected error: %v", i, err)
		}
	}
	if lc.Partials() != 3 {
		t.Errorf("expected 3 partials, got %d", lc.Partials())
	}
	if err := lc.EmitFinal(); err != nil {
		t.Fatalf("final: unexpected error: %v", err)
	}
	if err := lc.EmitFinal(); err != ErrFinalAlreadyEmitted {
		t.Errorf("expected ErrFinalAlreadyEmitted, got %v", err)
	}
	if err := lc.EmitPartial(); err != ErrPartialAfterFinal {
		t.Errorf("expected ErrPartialAfterFinal, got %v", err)
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*Lifecycle)
		want    State
	}{
		{"close from open", func(l *Lifecycle) { l.Close() }, StateClosed},
		{"close after final", func(l *Lifecycle) { l.EmitFinal(); l.Close() }, StateClosed},
		{"drop from open", func(l *Lifecycle) { l.Drop() }, StateDropped},
		{"drop after final", func(l *Lifecycle) { l.EmitFinal(); l.Drop() }, StateDropped},
		{"close does not undo drop", func(l *Lifecycle) { l.Drop(); l.Close() }, StateDropped},
		{"drop after close is a no-op", func(l *Lifecycle) { l.Close(); l.Drop() }, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle("utt-1")
			tt.prepare(lc)
			if lc.State() != tt.want {
				t.Errorf("expected %v, got %v", tt.want, lc.State())
			}
			if err := lc.EmitFinal(); err == nil {
				t.Error("expected final to be rejected in a terminal state")
			}
		})
	}
}

func TestLifecycle_DropReturnsFalseWhenTerminal(t *testing.T) {
	lc := NewLifecycle("utt-1")
	if !lc.Drop() {
		t.Error("first drop should succeed")
	}
	if lc.Drop() {
		t.Error("second drop should report already terminal")
	}
}

func TestLifecycle_Reset(t *testing.T) {
	lc := NewLifecycle("utt-1")
	lc.EmitPartial()
	lc.EmitFinal()
	lc.Close()

	lc.Reset("utt-2")
	if lc.ID() != "utt-2" || lc.State() != StateOpen || lc.Partials() != 0 {
		t.Errorf("unexpected lifecycle after reset: id=%s state=%v partials=%d", lc.ID(), lc.State(), lc.Partials())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpen, "OPEN"},
		{StateFinalEmitted, "FINAL_EMITTED"},
		{StateClosed, "CLOSED"},
		{StateDropped, "DROPPED"},
		{State(42), "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestIDGenerator(t *testing.T) {
	gen := NewIDGenerator()
	if id := gen.Next("call-9"); id != "call-9-utt-1" {
		t.Errorf("expected call-9-utt-1, got %s", id)
	}
	if id := gen.Next("call-9"); id != "call-9-utt-2" {
		t.Errorf("expected call-9-utt-2, got %s", id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen.Next("call-9")
		}()
	}
	wg.Wait()
	if gen.Count() != 52 {
		t.Errorf("expected 52 ids issued, got %d", gen.Count())
	}
}
