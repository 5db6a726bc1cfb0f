package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

func TestGate_DisabledStartsOpen(t *testing.T) {
	g := NewGate(false)
	if !g.IsOpen() {
		t.Error("gate with validation disabled should start open")
	}
}

func TestGate_EnabledStartsClosed(t *testing.T) {
	g := NewGate(true)
	if g.IsOpen() {
		t.Error("gate with validation enabled should start closed")
	}
	g.Open()
	if !g.IsOpen() {
		t.Error("gate should be open after Open")
	}
	// Idempotent.
	g.Open()
}

func TestGate_WaiterOpensOnValidation(t *testing.T) {
	g := NewGate(true)
	g.waitTimeout = time.Minute

	var opens atomic.Int32
	g.StartWaiter(context.Background(), "call-1", func() { opens.Add(1) })
	// A second start must not spawn a second waiter.
	g.StartWaiter(context.Background(), "call-1", func() { opens.Add(1) })

	g.Open()

	deadline := time.After(time.Second)
	for opens.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("onOpen never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := opens.Load(); n != 1 {
		t.Errorf("onOpen ran %d times, want 1", n)
	}
}

func TestGate_WaiterOpensOnTimeout(t *testing.T) {
	g := NewGate(true)
	g.waitTimeout = 20 * time.Millisecond

	opened := make(chan struct{})
	g.StartWaiter(context.Background(), "call-1", func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("gate did not open on timeout")
	}
	if !g.IsOpen() {
		t.Error("gate should be open after timeout")
	}
}

func TestGate_WaiterCancelled(t *testing.T) {
	g := NewGate(true)
	g.waitTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := make(chan struct{}, 1)
	g.StartWaiter(ctx, "call-1", func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Error("onOpen ran despite cancelled context")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestGate_NoteClosedDropOnce(t *testing.T) {
	g := NewGate(true)
	if !g.NoteClosedDrop("call-1") {
		t.Error("first drop should report true")
	}
	for i := 0; i < 3; i++ {
		if g.NoteClosedDrop("call-1") {
			t.Error("subsequent drops should report false")
		}
	}
}

func TestDtmf_Accumulation(t *testing.T) {
	mem := memory.New("call-1")
	validated := make(chan struct{}, 1)
	acc := NewDtmfAccumulator("123", mem, func() { validated <- struct{}{} })

	acc.Place("1", 1)
	acc.Place("2", 2)
	acc.Place("3", 3)

	if got := acc.Sequence(); got != "123" {
		t.Errorf("sequence = %q, want 123", got)
	}
	if !acc.Validated() {
		t.Error("expected validation")
	}
	select {
	case <-validated:
	default:
		t.Error("onValidated not invoked")
	}

	if got := mem.ContextString(memory.KeyDtmfSequence, ""); got != "123" {
		t.Errorf("context dtmf_sequence = %q", got)
	}
	if !mem.ContextBool(memory.KeyDtmfValidated) {
		t.Error("context dtmf_validated should be true")
	}
}

func TestDtmf_OutOfOrderPlacement(t *testing.T) {
	mem := memory.New("call-1")
	acc := NewDtmfAccumulator("123", mem, nil)

	acc.Place("3", 3)
	acc.Place("1", 1)
	if acc.Validated() {
		t.Error("incomplete sequence should not validate")
	}
	acc.Place("2", 2)
	if !acc.Validated() {
		t.Errorf("sequence = %q, expected validation", acc.Sequence())
	}
}

func TestDtmf_ToneWords(t *testing.T) {
	mem := memory.New("call-1")
	acc := NewDtmfAccumulator("123", mem, nil)

	acc.Place("one", 1)
	acc.Place("two", 2)
	acc.Place("three", 3)
	if !acc.Validated() {
		t.Errorf("sequence = %q, expected validation from tone words", acc.Sequence())
	}
}

func TestDtmf_NonDigitsSkipped(t *testing.T) {
	mem := memory.New("call-1")
	acc := NewDtmfAccumulator("123", mem, nil)

	// Star before the digits: validation compares numeric digits only.
	acc.Place("star", 1)
	acc.Place("1", 2)
	acc.Place("2", 3)
	acc.Place("3", 4)
	if !acc.Validated() {
		t.Errorf("sequence = %q, expected validation ignoring symbols", acc.Sequence())
	}
}

func TestDtmf_Mismatch(t *testing.T) {
	mem := memory.New("call-1")
	acc := NewDtmfAccumulator("123", mem, nil)

	acc.Place("9", 1)
	acc.Place("9", 2)
	acc.Place("9", 3)
	if acc.Validated() {
		t.Error("wrong digits must not validate")
	}
	if mem.ContextBool(memory.KeyDtmfValidated) {
		t.Error("context dtmf_validated should stay false")
	}
}

func TestDtmf_IgnoresGarbage(t *testing.T) {
	mem := memory.New("call-1")
	acc := NewDtmfAccumulator("123", mem, nil)

	acc.Place("xyzzy", 1)
	acc.Place("1", 0)
	acc.Place("2", -4)
	if got := acc.Sequence(); got != "" {
		t.Errorf("sequence = %q, want empty", got)
	}
}
