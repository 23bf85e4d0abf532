package commitment

import (
	"errors"
	"fmt"
)

type Move int

const (
	Rock Move = iota
	Paper
	Scissors
)

type Outcome string

const (
	Draw    Outcome = "draw"
	PlayerA Outcome = "playerA"
	PlayerB Outcome = "playerB"
)

var ErrInvalidMove = errors.New("invalid move")

var moveNames = []string{"rock", "paper", "scissors"}

func (m Move) Valid() bool {
	return m >= Rock && m <= Scissors
}

func (m Move) String() string {
	if !m.Valid() {
		return fmt.Sprintf("move(%d)", int(m))
	}

	return moveNames[m]
}

// Mirror swaps the winning side and keeps a draw a draw.
func (o Outcome) Mirror() Outcome {
	switch o {
	case PlayerA:
		return PlayerB
	case PlayerB:
		return PlayerA
	default:
		return o
	}
}
