package match

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vreid/janken/internal/pkg/commitment"
)

func Encode(m Match) Fields {
	fields := Fields{
		FieldID:        m.ID,
		FieldPlayerA:   m.PlayerA,
		FieldPlayerB:   m.PlayerB,
		FieldAmount:    strconv.FormatInt(m.Amount, 10),
		FieldCreatedAt: strconv.FormatInt(m.CreatedAt, 10),
		FieldWindow:    strconv.FormatInt(m.Window, 10),
	}

	putString(fields, FieldCommitA, m.CommitA)
	putInt(fields, FieldCommitAAt, m.CommitAAt)
	putString(fields, FieldCommitB, m.CommitB)
	putInt(fields, FieldCommitBAt, m.CommitBAt)
	putInt(fields, FieldForfeitAt, m.ForfeitAt)
	putString(fields, FieldStatus, string(m.Status))
	putString(fields, FieldOutcome, string(m.Outcome))
	putString(fields, FieldOffender, string(m.Offender))
	putInt(fields, FieldSettledAt, m.SettledAt)

	// Encode only feeds Apply and Decode, a marshal failure is impossible for Reveal
	if m.RevealA != nil {
		fields[FieldRevealA], _ = encodeReveal(m.RevealA)
	}

	if m.RevealB != nil {
		fields[FieldRevealB], _ = encodeReveal(m.RevealB)
	}

	return fields
}

// Decode parses a match record. A reveal that cannot be parsed decodes to an
// invalid move so that Derive reports it as a violation.
func Decode(fields Fields) (Match, error) {
	m := Match{
		ID:       fields[FieldID],
		PlayerA:  fields[FieldPlayerA],
		PlayerB:  fields[FieldPlayerB],
		CommitA:  fields[FieldCommitA],
		CommitB:  fields[FieldCommitB],
		Status:   Status(fields[FieldStatus]),
		Outcome:  commitment.Outcome(fields[FieldOutcome]),
		Offender: Side(fields[FieldOffender]),
	}

	if m.PlayerA == "" || m.PlayerB == "" {
		return Match{}, fmt.Errorf("%w: missing players", ErrMalformedRecord)
	}

	for _, item := range []struct {
		field string
		dst   *int64
	}{
		{FieldAmount, &m.Amount},
		{FieldCreatedAt, &m.CreatedAt},
		{FieldWindow, &m.Window},
		{FieldCommitAAt, &m.CommitAAt},
		{FieldCommitBAt, &m.CommitBAt},
		{FieldForfeitAt, &m.ForfeitAt},
		{FieldSettledAt, &m.SettledAt},
	} {
		raw, ok := fields[item.field]
		if !ok || raw == "" {
			continue
		}

		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Match{}, fmt.Errorf("%w: %s: %w", ErrMalformedRecord, item.field, err)
		}

		*item.dst = v
	}

	if raw, ok := fields[FieldRevealA]; ok && raw != "" {
		m.RevealA = decodeReveal(raw)
	}

	if raw, ok := fields[FieldRevealB]; ok && raw != "" {
		m.RevealB = decodeReveal(raw)
	}

	return m, nil
}

func encodeReveal(r *Reveal) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reveal: %w", err)
	}

	return string(data), nil
}

func decodeReveal(raw string) *Reveal {
	var r Reveal

	err := json.Unmarshal([]byte(raw), &r)
	if err != nil {
		return &Reveal{Move: commitment.Move(-1)}
	}

	return &r
}

func putString(fields Fields, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func putInt(fields Fields, key string, value int64) {
	if value != 0 {
		fields[key] = strconv.FormatInt(value, 10)
	}
}
