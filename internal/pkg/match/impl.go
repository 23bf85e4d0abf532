package match

import (
	"fmt"
	"strconv"

	"github.com/vreid/janken/internal/pkg/commitment"
)

const (
	DefaultWindow int64 = 10 * 60 * 1000
	graceDivisor        = 10
)

func New(id, playerA, playerB string, amount, window, now int64) Match {
	return Match{
		ID:        id,
		PlayerA:   playerA,
		PlayerB:   playerB,
		Amount:    amount,
		CreatedAt: now,
		Window:    window,
		Status:    StatusCreated,
	}
}

func (m Match) SideOf(address string) (Side, error) {
	switch address {
	case m.PlayerA:
		return SideA, nil
	case m.PlayerB:
		return SideB, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotParticipant, address)
	}
}

func (m Match) Commitment(side Side) (string, int64) {
	if side == SideA {
		return m.CommitA, m.CommitAAt
	}

	return m.CommitB, m.CommitBAt
}

func (m Match) RevealOf(side Side) *Reveal {
	if side == SideA {
		return m.RevealA
	}

	return m.RevealB
}

func (m Match) bothCommitted() bool {
	return m.CommitA != "" && m.CommitB != ""
}

// Derive interprets a snapshot. It is a pure function of the populated fields.
func Derive(m Match) State {
	state := State{
		CommittedA: m.CommitA != "",
		CommittedB: m.CommitB != "",
		RevealedA:  m.RevealA != nil,
		RevealedB:  m.RevealB != nil,
	}

	errA := checkReveal(m, SideA)
	errB := checkReveal(m, SideB)

	if errA != nil || errB != nil {
		state.Status = StatusDisputed

		switch {
		case errA != nil && errB != nil:
			state.Offender = SideBoth
			state.Outcome = NoContest
			state.Violation = errA
		case errA != nil:
			state.Offender = SideA
			state.Outcome = commitment.PlayerB
			state.Violation = errA
		default:
			state.Offender = SideB
			state.Outcome = commitment.PlayerA
			state.Violation = errB
		}

		return state
	}

	if offender, ok := forfeited(m); ok {
		state.Status = StatusForfeited
		state.Offender = offender

		if offender == SideBoth {
			state.Outcome = NoContest
		} else {
			state.Outcome = offender.Opponent().Wins()
		}

		return state
	}

	switch {
	case state.RevealedA && state.RevealedB:
		// both reveals verified above, so the moves are valid
		outcome, _ := commitment.ResolveOutcome(m.RevealA.Move, m.RevealB.Move)
		state.Status = StatusSettled
		state.Outcome = outcome
	case state.RevealedA || state.RevealedB:
		state.Status = StatusRevealed
	case state.CommittedA || state.CommittedB:
		state.Status = StatusCommitted
	default:
		state.Status = StatusCreated
	}

	return state
}

func checkReveal(m Match, side Side) error {
	reveal := m.RevealOf(side)
	if reveal == nil {
		return nil
	}

	own, _ := m.Commitment(side)
	if own == "" {
		return ErrRevealWithoutCommit
	}

	if theirs, _ := m.Commitment(side.Opponent()); theirs == "" {
		return ErrPrematureReveal
	}

	if !reveal.Move.Valid() {
		return fmt.Errorf("%w: %d", commitment.ErrInvalidMove, int(reveal.Move))
	}

	if !commitment.VerifyReveal(reveal.Move, reveal.Secret, own) {
		return ErrCommitmentMismatch
	}

	return nil
}

// Deadline is the instant after which the side that has not acted in the
// current phase can be declared to have forfeited. Zero means no deadline.
func Deadline(m Match) int64 {
	if m.Window <= 0 {
		return 0
	}

	commitDeadline := m.CreatedAt + m.Window
	if !committedBy(m, SideA, commitDeadline) || !committedBy(m, SideB, commitDeadline) {
		return commitDeadline
	}

	return max(m.CommitAAt, m.CommitBAt) + m.Window
}

// Grace is the propagation margin around Deadline. A player stops publishing
// Grace before the deadline and claims a forfeit no sooner than Grace after it.
func Grace(m Match) int64 {
	return m.Window / graceDivisor
}

// ClaimableAt is the earliest instant a player should claim a forfeit.
func ClaimableAt(m Match) int64 {
	deadline := Deadline(m)
	if deadline == 0 {
		return 0
	}

	return deadline + Grace(m)
}

func tooLate(m Match, now int64) bool {
	deadline := Deadline(m)

	return deadline != 0 && now > deadline-Grace(m)
}

func committedBy(m Match, side Side, deadline int64) bool {
	c, at := m.Commitment(side)

	return c != "" && at <= deadline
}

func revealedBy(m Match, side Side, deadline int64) bool {
	r := m.RevealOf(side)

	return r != nil && r.Timestamp <= deadline
}

// forfeited reports who failed to act in time, given a recorded claim.
func forfeited(m Match) (Side, bool) {
	deadline := Deadline(m)
	if deadline == 0 || m.ForfeitAt == 0 || m.ForfeitAt < deadline+Grace(m) {
		return "", false
	}

	check := revealedBy

	commitDeadline := m.CreatedAt + m.Window
	if !committedBy(m, SideA, commitDeadline) || !committedBy(m, SideB, commitDeadline) {
		check = committedBy
	}

	okA := check(m, SideA, deadline)
	okB := check(m, SideB, deadline)

	switch {
	case okA && okB:
		return "", false
	case !okA && !okB:
		return SideBoth, true
	case !okA:
		return SideA, true
	default:
		return SideB, true
	}
}

// Commit builds the fields publishing side's commitment. It never looks at the
// opponent's commitment.
func Commit(m Match, side Side, move commitment.Move, secret string, now int64) (Fields, error) {
	c, err := commitment.CreateCommitment(move, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create commitment: %w", err)
	}

	if Derive(m).Status.Terminal() {
		return nil, ErrTerminal
	}

	if own, _ := m.Commitment(side); own != "" {
		return nil, ErrAlreadyCommitted
	}

	if tooLate(m, now) {
		return nil, ErrTooLate
	}

	if side == SideA {
		return Fields{FieldCommitA: c, FieldCommitAAt: strconv.FormatInt(now, 10)}, nil
	}

	return Fields{FieldCommitB: c, FieldCommitBAt: strconv.FormatInt(now, 10)}, nil
}

// Open builds the fields revealing side's move. It refuses a move and secret
// that do not verify against the side's own commitment.
func Open(m Match, side Side, move commitment.Move, secret string, now int64) (Fields, error) {
	if !move.Valid() {
		return nil, fmt.Errorf("%w: %d", commitment.ErrInvalidMove, int(move))
	}

	if Derive(m).Status.Terminal() {
		return nil, ErrTerminal
	}

	if !m.bothCommitted() {
		return nil, ErrCommitPhaseOpen
	}

	if m.RevealOf(side) != nil {
		return nil, ErrAlreadyRevealed
	}

	if tooLate(m, now) {
		return nil, ErrTooLate
	}

	own, _ := m.Commitment(side)
	if !commitment.VerifyReveal(move, secret, own) {
		return nil, ErrCommitmentMismatch
	}

	encoded, err := encodeReveal(&Reveal{Move: move, Secret: secret, Timestamp: now})
	if err != nil {
		return nil, err
	}

	if side == SideA {
		return Fields{FieldRevealA: encoded}, nil
	}

	return Fields{FieldRevealB: encoded}, nil
}

// Settle records the terminal outcome once both reveals are visible. Both
// players may call it; the written fields are the same.
func Settle(m Match, now int64) (Fields, error) {
	state := Derive(m)

	switch state.Status {
	case StatusSettled, StatusDisputed, StatusForfeited:
	default:
		return nil, ErrNotReady
	}

	return terminalFields(m, state, now), nil
}

// ClaimForfeit records a timeout against whichever side failed to act.
func ClaimForfeit(m Match, now int64) (Fields, error) {
	state := Derive(m)
	if state.Status.Terminal() {
		return nil, ErrTerminal
	}

	claimed := m
	claimed.ForfeitAt = now

	state = Derive(claimed)
	if state.Status != StatusForfeited {
		return nil, ErrNoTimeout
	}

	fields := terminalFields(m, state, now)
	fields[FieldForfeitAt] = strconv.FormatInt(now, 10)

	return fields, nil
}

func terminalFields(m Match, state State, now int64) Fields {
	settledAt := m.SettledAt
	if settledAt == 0 {
		settledAt = now
	}

	return Fields{
		FieldStatus:    string(state.Status),
		FieldOutcome:   string(state.Outcome),
		FieldOffender:  string(state.Offender),
		FieldSettledAt: strconv.FormatInt(settledAt, 10),
	}
}

// Apply merges fields into m the way the store would.
func Apply(m Match, fields Fields) (Match, error) {
	merged := Encode(m)
	for k, v := range fields {
		merged[k] = v
	}

	return Decode(merged)
}
