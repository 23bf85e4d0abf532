package match

import (
	"errors"

	"github.com/vreid/janken/internal/pkg/commitment"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusCommitted Status = "committed"
	StatusRevealed  Status = "revealed"
	StatusSettled   Status = "settled"
	StatusDisputed  Status = "disputed"
	StatusForfeited Status = "forfeited"
)

type Side string

const (
	SideA    Side = "A"
	SideB    Side = "B"
	SideBoth Side = "AB"
)

// NoContest is recorded when neither side acted before the deadline.
const NoContest commitment.Outcome = "none"

var (
	ErrNotParticipant      = errors.New("address is not a participant of the match")
	ErrAlreadyCommitted    = errors.New("commitment already published")
	ErrAlreadyRevealed     = errors.New("reveal already published")
	ErrCommitPhaseOpen     = errors.New("both commitments must be visible before revealing")
	ErrCommitmentMismatch  = errors.New("reveal does not match commitment")
	ErrRevealWithoutCommit = errors.New("reveal published without a commitment")
	ErrPrematureReveal     = errors.New("reveal published before both commitments")
	ErrNotReady            = errors.New("match is not ready to settle")
	ErrTerminal            = errors.New("match already reached a terminal state")
	ErrNoTimeout           = errors.New("deadline has not passed or nobody is at fault")
	ErrMalformedRecord     = errors.New("malformed match record")
	ErrTooLate             = errors.New("too close to the deadline to publish")
)

type Reveal struct {
	Move      commitment.Move `json:"move"`
	Secret    string          `json:"secret"`
	Timestamp int64           `json:"timestamp"`
}

// Match mirrors the matches/<id> record. Timestamps are unix milliseconds.
type Match struct {
	ID        string
	PlayerA   string
	PlayerB   string
	Amount    int64
	CreatedAt int64
	Window    int64

	CommitA   string
	CommitAAt int64
	CommitB   string
	CommitBAt int64

	RevealA *Reveal
	RevealB *Reveal

	ForfeitAt int64

	// Written alongside settlement for presentation; Derive does not trust them.
	Status    Status
	Outcome   commitment.Outcome
	Offender  Side
	SettledAt int64
}

type State struct {
	Status     Status
	Outcome    commitment.Outcome
	Offender   Side
	Violation  error
	CommittedA bool
	CommittedB bool
	RevealedA  bool
	RevealedB  bool
}

// Fields is a flat field set merged into the store record.
type Fields map[string]string

const (
	FieldID        = "id"
	FieldPlayerA   = "playerA"
	FieldPlayerB   = "playerB"
	FieldAmount    = "amount"
	FieldCreatedAt = "createdAt"
	FieldWindow    = "window"
	FieldCommitA   = "commitA"
	FieldCommitAAt = "commitAAt"
	FieldCommitB   = "commitB"
	FieldCommitBAt = "commitBAt"
	FieldRevealA   = "revealA"
	FieldRevealB   = "revealB"
	FieldForfeitAt = "forfeitAt"
	FieldStatus    = "status"
	FieldOutcome   = "outcome"
	FieldOffender  = "offender"
	FieldSettledAt = "settledAt"
)

func (s Side) Opponent() Side {
	switch s {
	case SideA:
		return SideB
	case SideB:
		return SideA
	default:
		return s
	}
}

// Wins is the outcome in which s is the winner.
func (s Side) Wins() commitment.Outcome {
	if s == SideA {
		return commitment.PlayerA
	}

	return commitment.PlayerB
}

func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusDisputed || s == StatusForfeited
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusCommitted:
		return 1
	case StatusRevealed:
		return 2
	case StatusSettled, StatusDisputed, StatusForfeited:
		return 3
	default:
		return -1
	}
}
