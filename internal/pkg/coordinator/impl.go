package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/store"
	"github.com/vreid/janken/internal/pkg/wallet"
)

const DefaultRetention = 24 * time.Hour

var discard = common.Discard()

type CoordinatorService struct {
	Store  store.Store
	Wallet wallet.Wallet
	Logger *log.Logger

	// Network is used to check lobby entry signatures. Entries with a bad
	// signature are dropped; unsigned entries are dropped when RequireSignatures is set.
	Network           wallet.Network
	RequireSignatures bool

	Retention time.Duration
	Window    time.Duration
	Now       func() time.Time
}

func NewCoordinatorService(i do.Injector) (*CoordinatorService, error) {
	s := do.MustInvoke[store.Store](i)
	w := do.MustInvoke[wallet.Wallet](i)
	loggerService := do.MustInvoke[*common.LoggerService](i)

	network := do.MustInvokeNamed[string](i, "network")
	retentionHours := do.MustInvokeNamed[int](i, "lobby-retention-hours")
	windowSeconds := do.MustInvokeNamed[int](i, "reveal-window-seconds")

	return &CoordinatorService{
		Store:  s,
		Wallet: w,
		Logger: loggerService.Logger,

		Network:           wallet.Network(network),
		RequireSignatures: true,

		Retention: time.Duration(retentionHours) * time.Hour,
		Window:    time.Duration(windowSeconds) * time.Second,
		Now:       time.Now,
	}, nil
}

func (s *CoordinatorService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}

	return s.Now()
}

func (s *CoordinatorService) logger() *log.Logger {
	if s.Logger == nil {
		return discard
	}

	return s.Logger
}

func (s *CoordinatorService) retention() time.Duration {
	if s.Retention <= 0 {
		return DefaultRetention
	}

	return s.Retention
}

func entryMessage(e LobbyEntry) string {
	return fmt.Sprintf("janken:lobby:%s:%s:%d:%d", e.ID, e.Address, e.Amount, e.Timestamp)
}

func (s *CoordinatorService) PublishLobbyEntry(ctx context.Context, address string, amount int64) (string, error) {
	return s.PublishLobbyEntryAs(ctx, address, "", amount)
}

func (s *CoordinatorService) PublishLobbyEntryAs(
	ctx context.Context,
	address string,
	nickname string,
	amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidWager, amount)
	}

	entryID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate entry id: %w", err)
	}

	entry := LobbyEntry{
		ID:        entryID.String(),
		Address:   address,
		Nickname:  nickname,
		Amount:    amount,
		Timestamp: s.now().UnixMilli(),
		Status:    LobbyWaiting,
	}

	if entry.Nickname == "" && len(address) > 10 {
		entry.Nickname = address[len(address)-10:]
	}

	if s.Wallet != nil {
		own, err := s.Wallet.Address()
		if err != nil {
			return "", fmt.Errorf("failed to read wallet address: %w", err)
		}

		if own != address {
			return "", fmt.Errorf("%w: %s", ErrNotOwner, address)
		}

		entry.Signature, err = s.Wallet.Sign(entryMessage(entry))
		if err != nil {
			return "", fmt.Errorf("failed to sign lobby entry: %w", err)
		}
	}

	err = s.Store.Put(ctx, store.LobbyPath(entry.ID), entry.record())
	if err != nil {
		return "", fmt.Errorf("failed to publish lobby entry: %w", err)
	}

	s.logger().Infof("published lobby entry %s for %s (%d)", entry.ID, address, amount)

	return entry.ID, nil
}

func (s *CoordinatorService) VerifyLobbyEntry(entry LobbyEntry) bool {
	if entry.Signature == "" {
		return !s.RequireSignatures
	}

	return wallet.VerifySignature(entryMessage(entry), entry.Signature, entry.Address, s.Network) == nil
}

// expire relabels a stale waiting entry and writes the expiry back so other
// observers converge.
func (s *CoordinatorService) expire(ctx context.Context, entry LobbyEntry) LobbyEntry {
	if entry.Status != LobbyWaiting {
		return entry
	}

	age := s.now().Sub(time.UnixMilli(entry.Timestamp))
	if age < s.retention() {
		return entry
	}

	entry.Status = LobbyExpired

	err := s.Store.Put(ctx, store.LobbyPath(entry.ID), store.Record{"status": string(LobbyExpired)})
	if err != nil {
		s.logger().Warnf("failed to write expiry of lobby entry %s: %v", entry.ID, err)
	}

	return entry
}

// ObserveLobby calls fn with the waiting list, oldest first, whenever it
// changes. Matched entries never show up; stale ones are expired on sight.
func (s *CoordinatorService) ObserveLobby(ctx context.Context, fn func([]LobbyEntry)) (func(), error) {
	board := NewBoard()

	var mu sync.Mutex

	handle := func(entry LobbyEntry) {
		mu.Lock()
		defer mu.Unlock()

		if entry.Status == LobbyMatched {
			if board.Apply(entry) {
				fn(board.Waiting())
			}

			return
		}

		if !s.VerifyLobbyEntry(entry) {
			s.logger().Warnf("dropping lobby entry %s with invalid signature", entry.ID)

			return
		}

		entry = s.expire(ctx, entry)

		if board.Apply(entry) {
			fn(board.Waiting())
		}
	}

	cancel, err := s.Store.Subscribe(ctx, store.LobbyRoot, func(update store.Update) {
		handle(entryFromRecord(update.Path, update.Record))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to lobby: %w", err)
	}

	records, err := s.Store.List(ctx, store.LobbyRoot)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to list lobby: %w", err)
	}

	entries := make([]LobbyEntry, 0, len(records))
	for path, record := range records {
		entries = append(entries, entryFromRecord(path, record))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	for _, entry := range entries {
		handle(entry)
	}

	return cancel, nil
}

// ObserveEntry follows a single lobby entry, including its transition to matched.
func (s *CoordinatorService) ObserveEntry(ctx context.Context, id string, fn func(LobbyEntry)) (func(), error) {
	path := store.LobbyPath(id)

	cancel, err := s.Store.Subscribe(ctx, path, func(update store.Update) {
		fn(entryFromRecord(update.Path, update.Record))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to lobby entry: %w", err)
	}

	record, err := s.Store.Get(ctx, path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cancel()

		return nil, fmt.Errorf("failed to read lobby entry: %w", err)
	}

	if err == nil {
		fn(entryFromRecord(path, record))
	}

	return cancel, nil
}

// ShouldPropose breaks the symmetry when two waiting players see each other:
// the lexicographically smaller address proposes.
func ShouldPropose(self, other LobbyEntry) bool {
	if self.Address != other.Address {
		return self.Address < other.Address
	}

	return self.ID < other.ID
}

// MatchID is derived from the two entry ids, so both sides proposing the same
// pair write the same record.
func MatchID(a, b string) string {
	if b < a {
		a, b = b, a
	}

	sum := sha256.Sum256([]byte(a + "|" + b))

	return "match-" + hex.EncodeToString(sum[:16])
}

func (s *CoordinatorService) ProposeMatch(
	ctx context.Context,
	entryA LobbyEntry,
	entryB LobbyEntry,
	amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidWager, amount)
	}

	if entryA.ID == entryB.ID || entryA.Address == entryB.Address {
		return "", ErrSamePlayer
	}

	// playerA is always the entry with the smaller id
	if entryB.ID < entryA.ID {
		entryA, entryB = entryB, entryA
	}

	matchID := MatchID(entryA.ID, entryB.ID)
	path := store.MatchPath(matchID)

	_, err := s.Store.Get(ctx, path)

	switch {
	case errors.Is(err, store.ErrNotFound):
		err = s.checkAvailable(ctx, matchID, entryA, entryB)
		if err != nil {
			return "", err
		}

		m := match.New(matchID, entryA.Address, entryB.Address, amount,
			s.Window.Milliseconds(), s.now().UnixMilli())

		// status is advisory and may already have advanced on a record a
		// concurrent proposer created
		record := store.Record(match.Encode(m))
		delete(record, match.FieldStatus)

		err = s.Store.Put(ctx, path, record)

		switch {
		case errors.Is(err, store.ErrSealed):
			s.logger().Debugf("match %s was created concurrently", matchID)
		case err != nil:
			return "", fmt.Errorf("failed to create match: %w", err)
		default:
			s.logger().Infof("created match %s between %s and %s", matchID, entryA.Address, entryB.Address)
		}
	case err != nil:
		return "", fmt.Errorf("failed to read match: %w", err)
	default:
		s.logger().Debugf("match %s already exists", matchID)
	}

	for _, entry := range []LobbyEntry{entryA, entryB} {
		err = s.Store.Put(ctx, store.LobbyPath(entry.ID), store.Record{
			"status":  string(LobbyMatched),
			"matchId": matchID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to mark lobby entry %s matched: %w", entry.ID, err)
		}
	}

	return matchID, nil
}

// checkAvailable refuses entries already matched elsewhere. An entry matched
// into matchID is fine: a concurrent proposal of the same pair got there first.
func (s *CoordinatorService) checkAvailable(ctx context.Context, matchID string, entries ...LobbyEntry) error {
	for _, entry := range entries {
		record, err := s.Store.Get(ctx, store.LobbyPath(entry.ID))
		if err != nil {
			return fmt.Errorf("failed to read lobby entry %s: %w", entry.ID, err)
		}

		if record["matchId"] == matchID {
			continue
		}

		if LobbyStatus(record["status"]) != LobbyWaiting {
			return fmt.Errorf("%w: %s is %s", ErrEntryUnavailable, entry.ID, record["status"])
		}
	}

	return nil
}

func (s *CoordinatorService) GetMatch(ctx context.Context, id string) (match.Match, error) {
	record, err := s.Store.Get(ctx, store.MatchPath(id))
	if err != nil {
		return match.Match{}, fmt.Errorf("failed to read match: %w", err)
	}

	m, err := match.Decode(match.Fields(record))
	if err != nil {
		return match.Match{}, fmt.Errorf("failed to decode match %s: %w", id, err)
	}

	return m, nil
}

// ObserveMatch calls fn with the full record on every change, starting with
// the current one if it exists.
func (s *CoordinatorService) ObserveMatch(ctx context.Context, id string, fn func(match.Match)) (func(), error) {
	deliver := func(record store.Record) {
		m, err := match.Decode(match.Fields(record))
		if err != nil {
			s.logger().Warnf("ignoring malformed record for match %s: %v", id, err)

			return
		}

		fn(m)
	}

	cancel, err := s.Store.Subscribe(ctx, store.MatchPath(id), func(update store.Update) {
		deliver(update.Record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to match: %w", err)
	}

	record, err := s.Store.Get(ctx, store.MatchPath(id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cancel()

		return nil, fmt.Errorf("failed to read match: %w", err)
	}

	if err == nil {
		deliver(record)
	}

	return cancel, nil
}

// Publish writes one player's half of the match record.
func (s *CoordinatorService) Publish(ctx context.Context, id string, fields match.Fields) error {
	err := s.Store.Put(ctx, store.MatchPath(id), store.Record(fields))
	if err != nil {
		return fmt.Errorf("failed to publish to match %s: %w", id, err)
	}

	return nil
}

func (s *CoordinatorService) SaveNickname(ctx context.Context, address, nickname string) error {
	err := s.Store.Put(ctx, store.UserPath(address), store.Record{
		"nickname":  nickname,
		"updatedAt": fmt.Sprint(s.now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("failed to save nickname: %w", err)
	}

	return nil
}

func (s *CoordinatorService) Nickname(ctx context.Context, address string) (string, error) {
	record, err := s.Store.Get(ctx, store.UserPath(address))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read nickname: %w", err)
	}

	return record["nickname"], nil
}
