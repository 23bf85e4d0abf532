package match

import (
	"reflect"
	"sync"
)

// Tracker folds successive snapshots of one match into a single view.
// Commitments and reveals are first-observed-wins: a later write to an already
// populated field is not authoritative and is ignored. The derived status
// never moves backwards. A terminal state can still be replaced by the
// terminal state the merged fields derive to, so a forfeit claimed before an
// in-time reveal arrived ends where every other peer ends.
type Tracker struct {
	mu sync.Mutex

	seen    bool
	current Match
	state   State
}

func (t *Tracker) Current() (Match, State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current, t.state
}

// Observe returns the merged view and whether it differs from the previous one.
func (t *Tracker) Observe(next Match) (Match, State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen {
		t.seen = true
		t.current = next
		t.state = Derive(next)

		return t.current, t.state, true
	}

	merged := merge(t.current, next)
	state := Derive(merged)

	if state.Status.rank() < t.state.Status.rank() {
		state = t.state
	}

	changed := !reflect.DeepEqual(merged, t.current) || !reflect.DeepEqual(state, t.state)

	t.current = merged
	t.state = state

	return t.current, t.state, changed
}

func merge(prev, next Match) Match {
	out := next

	if prev.CommitA != "" {
		out.CommitA, out.CommitAAt = prev.CommitA, prev.CommitAAt
	}

	if prev.CommitB != "" {
		out.CommitB, out.CommitBAt = prev.CommitB, prev.CommitBAt
	}

	if prev.RevealA != nil {
		out.RevealA = prev.RevealA
	}

	if prev.RevealB != nil {
		out.RevealB = prev.RevealB
	}

	out.ForfeitAt = max(prev.ForfeitAt, next.ForfeitAt)

	return out
}
