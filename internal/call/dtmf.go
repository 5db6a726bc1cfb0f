package call

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

// toneMap normalises provider tone names to single characters. Bare digits
// and symbols pass through unchanged.
var toneMap = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"pound": "#", "hash": "#", "star": "*", "asterisk": "*",
	"0": "0", "1": "1", "2": "2", "3": "3", "4": "4",
	"5": "5", "6": "6", "7": "7", "8": "8", "9": "9",
	"#": "#", "*": "*",
}

// normalizeTone maps a provider tone name to its character form. Returns
// false for unrecognised tones.
func normalizeTone(tone string) (string, bool) {
	t, ok := toneMap[strings.ToLower(strings.TrimSpace(tone))]
	return t, ok
}

// DtmfAccumulator collects keyed tones from the provider event stream and
// validates them against the expected digit sequence. Tones carry a 1-based
// sequenceId and are placed positionally, so out-of-order delivery still
// reassembles the right sequence.
type DtmfAccumulator struct {
	mu        sync.Mutex
	tones     []string
	expected  string
	validated bool

	mem         *memory.Memory
	onValidated func()
}

// NewDtmfAccumulator creates an accumulator that validates against expected
// and invokes onValidated once when the keyed digits match.
func NewDtmfAccumulator(expected string, mem *memory.Memory, onValidated func()) *DtmfAccumulator {
	return &DtmfAccumulator{
		expected:    expected,
		mem:         mem,
		onValidated: onValidated,
	}
}

// Place records one tone at its sequence position and re-evaluates the
// sequence. Unknown tones and non-positive sequence IDs are logged and
// ignored.
func (a *DtmfAccumulator) Place(tone string, sequenceID int) {
	t, ok := normalizeTone(tone)
	if !ok {
		slog.Warn("ignoring unrecognised DTMF tone",
			"call_id", a.mem.CallID(), "tone", tone)
		return
	}
	if sequenceID < 1 {
		slog.Warn("ignoring DTMF tone with invalid sequence id",
			"call_id", a.mem.CallID(), "sequence_id", sequenceID)
		return
	}

	a.mu.Lock()
	idx := sequenceID - 1
	for len(a.tones) <= idx {
		a.tones = append(a.tones, "")
	}
	a.tones[idx] = t
	seq := strings.Join(a.tones, "")
	// Context writes happen under the lock so concurrent webhook deliveries
	// cannot land a stale sequence snapshot last.
	a.mem.SetContext(memory.KeyDtmfSequence, seq)
	justValidated := false
	if !a.validated && a.matchesLocked(seq) {
		a.validated = true
		justValidated = true
		a.mem.SetContext(memory.KeyDtmfValidated, true)
	}
	a.mu.Unlock()

	if justValidated {
		slog.Info("DTMF validation succeeded", "call_id", a.mem.CallID())
		if a.onValidated != nil {
			a.onValidated()
		}
	}
}

// matchesLocked reports whether the first len(expected) digits of seq equal
// the expected value. Caller holds a.mu.
func (a *DtmfAccumulator) matchesLocked(seq string) bool {
	if a.expected == "" {
		return false
	}
	digits := make([]byte, 0, len(a.expected))
	for i := 0; i < len(seq) && len(digits) < len(a.expected); i++ {
		if seq[i] >= '0' && seq[i] <= '9' {
			digits = append(digits, seq[i])
		}
	}
	if len(digits) < len(a.expected) {
		return false
	}
	return string(digits) == a.expected
}

// Validated reports whether the expected sequence has been keyed.
func (a *DtmfAccumulator) Validated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validated
}

// Sequence returns the accumulated tone string.
func (a *DtmfAccumulator) Sequence() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.tones, "")
}
