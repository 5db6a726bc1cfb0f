package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/types"
)

func TestAppendAndHistory(t *testing.T) {
	m := New("call-1")
	m.Append("auth", types.Message{Role: "user", Content: "hello"})
	m.Append("auth", types.Message{Role: "assistant", Content: "hi"})
	m.Append("claims", types.Message{Role: "user", Content: "claim"})

	h := m.History("auth")
	if len(h) != 2 {
		t.Fatalf("auth history len = %d, want 2", len(h))
	}
	if h[0].Content != "hello" || h[1].Content != "hi" {
		t.Errorf("history order wrong: %+v", h)
	}
	if len(m.History("claims")) != 1 {
		t.Error("claims history not isolated")
	}

	// Returned slice is a copy.
	h[0].Content = "mutated"
	if m.History("auth")[0].Content != "hello" {
		t.Error("History returned a live reference")
	}
}

func TestContextAccessors(t *testing.T) {
	m := New("call-1")
	m.SetContext(KeyActiveAgent, "auth")
	if got := m.ContextString(KeyActiveAgent, "x"); got != "auth" {
		t.Errorf("ContextString = %q, want auth", got)
	}
	if got := m.ContextString("missing", "fallback"); got != "fallback" {
		t.Errorf("ContextString default = %q, want fallback", got)
	}

	m.SetContext(KeyDtmfValidated, true)
	if !m.ContextBool(KeyDtmfValidated) {
		t.Error("ContextBool = false, want true")
	}
	if m.ContextBool("missing") {
		t.Error("missing key should read false")
	}
}

func TestIncrementInterrupts_Monotonic(t *testing.T) {
	m := New("call-1")
	for want := 1; want <= 3; want++ {
		if got := m.IncrementInterrupts(); got != want {
			t.Fatalf("increment = %d, want %d", got, want)
		}
	}
	// Survives a JSON round trip storing float64.
	m.SetContext(KeyInterruptCount, float64(7))
	if got := m.IncrementInterrupts(); got != 8 {
		t.Errorf("increment after float64 = %d, want 8", got)
	}
}

func TestMergeSlots(t *testing.T) {
	m := New("call-1")
	m.SetSlot("caller_name", "Ada")
	m.MergeSlots(map[string]any{"policy_id": "P-42", "caller_name": "Ada L."})

	if v, _ := m.Slot("policy_id"); v != "P-42" {
		t.Errorf("policy_id = %v, want P-42", v)
	}
	if v, _ := m.Slot("caller_name"); v != "Ada L." {
		t.Errorf("merge should overwrite, got %v", v)
	}
}

func TestPersistRefresh_RoundTrip(t *testing.T) {
	store := NewLocalStore()
	m := New("call-1")
	m.Append("auth", types.Message{Role: "user", Content: "hello"})
	m.SetContext(KeyDtmfValidated, true)
	m.SetSlot("policy_id", "P-42")

	if err := m.Persist(context.Background(), store); err != nil {
		t.Fatalf("persist: %v", err)
	}

	fresh := New("call-1")
	if err := fresh.Refresh(context.Background(), store); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(fresh.History("auth")) != 1 {
		t.Error("history lost in round trip")
	}
	if !fresh.ContextBool(KeyDtmfValidated) {
		t.Error("context lost in round trip")
	}
	if v, _ := fresh.Slot("policy_id"); v != "P-42" {
		t.Errorf("slot = %v, want P-42", v)
	}
}

func TestRefresh_MissingKeyLeavesState(t *testing.T) {
	m := New("call-ghost")
	m.SetContext("k", "v")
	err := m.Refresh(context.Background(), NewLocalStore())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if m.ContextString("k", "") != "v" {
		t.Error("local state clobbered by failed refresh")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func TestFallbackStore_SurvivesPrimaryOutage(t *testing.T) {
	s := NewFallbackStore(failingStore{})
	if err := s.Set(context.Background(), "call-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set with dead primary should succeed locally: %v", err)
	}
	got, err := s.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get via fallback: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("got %s", got)
	}
}

func TestFallbackStore_NotFoundIsNotOutage(t *testing.T) {
	s := NewFallbackStore(NewLocalStore())
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLatencyRegistry(t *testing.T) {
	var observed []string
	r := NewLatencyRegistry(func(name string, d time.Duration) {
		observed = append(observed, name)
	})

	base := time.Unix(0, 0)
	r.now = func() time.Time { return base }
	r.Start("ttfb")
	if !r.Running("ttfb") {
		t.Error("ttfb should be running")
	}
	r.now = func() time.Time { return base.Add(120 * time.Millisecond) }

	d, ok := r.Stop("ttfb")
	if !ok {
		t.Fatal("stop reported unknown interval")
	}
	if d != 120*time.Millisecond {
		t.Errorf("d = %v, want 120ms", d)
	}
	if len(observed) != 1 || observed[0] != "ttfb" {
		t.Errorf("onStop calls = %v", observed)
	}

	// Stopping an unknown or already-stopped name is safe.
	if _, ok := r.Stop("ttfb"); ok {
		t.Error("second stop should be a no-op")
	}
	if _, ok := r.Stop("never-started"); ok {
		t.Error("unknown stop should be a no-op")
	}

	got := r.Intervals()
	if len(got["ttfb"]) != 1 {
		t.Errorf("intervals = %v", got)
	}
}
