package coordinator

import (
	"errors"
	"strconv"

	"github.com/vreid/janken/internal/pkg/store"
)

type LobbyStatus string

const (
	LobbyWaiting LobbyStatus = "waiting"
	LobbyMatched LobbyStatus = "matched"
	LobbyExpired LobbyStatus = "expired"
)

var (
	ErrSamePlayer       = errors.New("cannot match a player against itself")
	ErrInvalidWager     = errors.New("wager must be positive")
	ErrEntryUnavailable = errors.New("lobby entry is no longer waiting")
	ErrNotOwner         = errors.New("address does not belong to the wallet")
)

type LobbyEntry struct {
	ID        string      `json:"id"`
	Address   string      `json:"address"`
	Nickname  string      `json:"nickname,omitempty"`
	Amount    int64       `json:"amount"`
	Timestamp int64       `json:"timestamp"`
	Status    LobbyStatus `json:"status"`
	MatchID   string      `json:"matchId,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

func (e LobbyEntry) record() store.Record {
	r := store.Record{
		"id":        e.ID,
		"address":   e.Address,
		"amount":    strconv.FormatInt(e.Amount, 10),
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
		"status":    string(e.Status),
	}

	if e.Nickname != "" {
		r["nickname"] = e.Nickname
	}

	if e.MatchID != "" {
		r["matchId"] = e.MatchID
	}

	if e.Signature != "" {
		r["signature"] = e.Signature
	}

	return r
}

func entryFromRecord(path string, r store.Record) LobbyEntry {
	amount, _ := strconv.ParseInt(r["amount"], 10, 64)
	timestamp, _ := strconv.ParseInt(r["timestamp"], 10, 64)

	return LobbyEntry{
		ID:        store.Base(path),
		Address:   r["address"],
		Nickname:  r["nickname"],
		Amount:    amount,
		Timestamp: timestamp,
		Status:    LobbyStatus(r["status"]),
		MatchID:   r["matchId"],
		Signature: r["signature"],
	}
}
