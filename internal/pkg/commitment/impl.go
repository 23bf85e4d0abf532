package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const SecretBytes = 32

// beats[m] is the move that m defeats.
var beats = map[Move]Move{
	Rock:     Scissors,
	Paper:    Rock,
	Scissors: Paper,
}

func GenerateSecret() (string, error) {
	buf := make([]byte, SecretBytes)

	_, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to read random secret: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// CreateCommitment hashes "<move>:<secret>". The move is a single digit, so the
// first ':' always delimits it and the encoding is injective.
func CreateCommitment(move Move, secret string) (string, error) {
	if !move.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidMove, int(move))
	}

	h := sha256.New()
	h.Write([]byte(strconv.Itoa(int(move)) + ":" + secret))

	return hex.EncodeToString(h.Sum(nil)), nil
}

func VerifyReveal(move Move, secret string, commitment string) bool {
	computed, err := CreateCommitment(move, secret)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(commitment)) == 1
}

func ResolveOutcome(moveA, moveB Move) (Outcome, error) {
	if !moveA.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidMove, int(moveA))
	}

	if !moveB.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidMove, int(moveB))
	}

	if moveA == moveB {
		return Draw, nil
	}

	if beats[moveA] == moveB {
		return PlayerA, nil
	}

	return PlayerB, nil
}

// ParseMove accepts a move name or its numeric code.
func ParseMove(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for i, name := range moveNames {
		if s == name {
			return Move(i), nil
		}
	}

	code, err := strconv.Atoi(s)
	if err != nil || !Move(code).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMove, s)
	}

	return Move(code), nil
}
