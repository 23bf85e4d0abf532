package coordinator_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/janken/internal/pkg/commitment"
	"github.com/vreid/janken/internal/pkg/common"
	coordinator "github.com/vreid/janken/internal/pkg/coordinator"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/store"
	"github.com/vreid/janken/internal/pkg/wallet"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func clock() time.Time {
	return now
}

func millis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func newWallet(t *testing.T) *wallet.KeyWallet {
	t.Helper()

	database, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	w, err := wallet.NewRandom(database.DB, wallet.Testnet)
	require.NoError(t, err)

	return w
}

func newCoordinator(t *testing.T, s store.Store) (*coordinator.CoordinatorService, string) {
	t.Helper()

	w := newWallet(t)

	addr, err := w.Address()
	require.NoError(t, err)

	return &coordinator.CoordinatorService{
		Store:             s,
		Wallet:            w,
		Network:           wallet.Testnet,
		RequireSignatures: true,
		Window:            time.Minute,
		Now:               clock,
	}, addr
}

type lobbyView struct {
	mu      sync.Mutex
	waiting []coordinator.LobbyEntry
	calls   int
}

func (v *lobbyView) update(entries []coordinator.LobbyEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.waiting = entries
	v.calls++
}

func (v *lobbyView) entries() []coordinator.LobbyEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]coordinator.LobbyEntry(nil), v.waiting...)
}

func (v *lobbyView) ids() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.waiting))
	for _, entry := range v.waiting {
		ids = append(ids, entry.ID)
	}

	return ids
}

func TestPublishLobbyEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	c, addr := newCoordinator(t, s)

	id, err := c.PublishLobbyEntry(ctx, addr, 50_000)
	require.NoError(t, err)

	record, err := s.Get(ctx, store.LobbyPath(id))
	require.NoError(t, err)
	assert.Equal(t, "waiting", record["status"])
	assert.Equal(t, addr, record["address"])
	assert.Equal(t, "50000", record["amount"])
	assert.Equal(t, addr[len(addr)-10:], record["nickname"])

	_, err = c.PublishLobbyEntry(ctx, "someone-else", 50_000)
	require.ErrorIs(t, err, coordinator.ErrNotOwner)

	_, err = c.PublishLobbyEntry(ctx, addr, 0)
	require.ErrorIs(t, err, coordinator.ErrInvalidWager)
}

func TestObserveLobbyExpiresStaleEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	c := &coordinator.CoordinatorService{Store: s, Now: clock}

	stale := now.Add(-25 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Hour).UnixMilli()

	require.NoError(t, s.Put(ctx, store.LobbyPath("old"), store.Record{
		"address": "qold", "amount": "10", "timestamp": millis(stale), "status": "waiting",
	}))
	require.NoError(t, s.Put(ctx, store.LobbyPath("new"), store.Record{
		"address": "qnew", "amount": "10", "timestamp": millis(fresh), "status": "waiting",
	}))
	require.NoError(t, s.Put(ctx, store.LobbyPath("done"), store.Record{
		"address": "qdone", "amount": "10", "timestamp": millis(fresh), "status": "matched", "matchId": "m",
	}))

	view := &lobbyView{}

	cancel, err := c.ObserveLobby(ctx, view.update)
	require.NoError(t, err)

	defer cancel()

	assert.Equal(t, []string{"new"}, view.ids())

	require.Eventually(t, func() bool {
		record, err := s.Get(ctx, store.LobbyPath("old"))

		return err == nil && record["status"] == "expired"
	}, time.Second, 5*time.Millisecond)

	// a later waiting entry shows up through the subscription
	require.NoError(t, s.Put(ctx, store.LobbyPath("later"), store.Record{
		"address": "qlater", "amount": "10", "timestamp": millis(now.UnixMilli()), "status": "waiting",
	}))

	require.Eventually(t, func() bool {
		ids := view.ids()

		return len(ids) == 2 && ids[1] == "later"
	}, time.Second, 5*time.Millisecond)
}

func TestObserveLobbyDropsInvalidSignatures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	alice, addr := newCoordinator(t, s)

	id, err := alice.PublishLobbyEntry(ctx, addr, 1000)
	require.NoError(t, err)

	// tampered wager
	require.NoError(t, s.Put(ctx, store.LobbyPath("forged"), store.Record{
		"address": addr, "amount": "1", "timestamp": millis(now.UnixMilli()), "status": "waiting",
		"signature": "AAAA",
	}))

	view := &lobbyView{}

	cancel, err := alice.ObserveLobby(ctx, view.update)
	require.NoError(t, err)

	defer cancel()

	assert.Equal(t, []string{id}, view.ids())
}

func TestProposeMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	alice, aliceAddr := newCoordinator(t, s)
	bob, bobAddr := newCoordinator(t, s)

	aliceEntryID, err := alice.PublishLobbyEntry(ctx, aliceAddr, 1000)
	require.NoError(t, err)

	bobEntryID, err := bob.PublishLobbyEntry(ctx, bobAddr, 1000)
	require.NoError(t, err)

	view := &lobbyView{}

	cancel, err := alice.ObserveLobby(ctx, view.update)
	require.NoError(t, err)

	defer cancel()

	assert.Len(t, view.ids(), 2)

	entries := view.entries()

	var wg sync.WaitGroup

	ids := make([]string, 2)

	for i, c := range []*coordinator.CoordinatorService{alice, bob} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			matchID, err := c.ProposeMatch(ctx, entries[0], entries[1], 1000)
			assert.NoError(t, err)

			ids[i] = matchID
		}()
	}

	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, coordinator.MatchID(aliceEntryID, bobEntryID), ids[0])

	matches, err := s.List(ctx, store.MatchesRoot)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	m, err := alice.GetMatch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, match.StatusCreated, match.Derive(m).Status)
	assert.Equal(t, int64(1000), m.Amount)
	assert.Equal(t, int64(60_000), m.Window)
	assert.ElementsMatch(t, []string{aliceAddr, bobAddr}, []string{m.PlayerA, m.PlayerB})

	for _, entryID := range []string{aliceEntryID, bobEntryID} {
		record, err := s.Get(ctx, store.LobbyPath(entryID))
		require.NoError(t, err)
		assert.Equal(t, "matched", record["status"])
		assert.Equal(t, ids[0], record["matchId"])
	}

	require.Eventually(t, func() bool {
		return len(view.ids()) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = alice.ProposeMatch(ctx, entries[0], entries[0], 1000)
	require.ErrorIs(t, err, coordinator.ErrSamePlayer)

	// matched entries cannot be proposed again with someone else
	laterID, err := bob.PublishLobbyEntry(ctx, bobAddr, 1000)
	require.NoError(t, err)

	_, err = alice.ProposeMatch(ctx, entries[0], coordinator.LobbyEntry{ID: laterID, Address: "qcarol"}, 1000)
	require.ErrorIs(t, err, coordinator.ErrEntryUnavailable)
}

// staleReads misses every match record, like a peer whose view lags behind.
type staleReads struct {
	store.Store
}

func (s *staleReads) Get(ctx context.Context, path string) (store.Record, error) {
	if store.Covers(store.MatchesRoot, path) {
		return nil, store.ErrNotFound
	}

	//nolint:wrapcheck
	return s.Store.Get(ctx, path)
}

func TestLateProposalKeepsMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	alice, aliceAddr := newCoordinator(t, s)
	bob, bobAddr := newCoordinator(t, s)

	aliceEntryID, err := alice.PublishLobbyEntry(ctx, aliceAddr, 1000)
	require.NoError(t, err)

	bobEntryID, err := bob.PublishLobbyEntry(ctx, bobAddr, 1000)
	require.NoError(t, err)

	entryA := coordinator.LobbyEntry{ID: aliceEntryID, Address: aliceAddr}
	entryB := coordinator.LobbyEntry{ID: bobEntryID, Address: bobAddr}

	matchID, err := alice.ProposeMatch(ctx, entryA, entryB, 1000)
	require.NoError(t, err)

	m, err := alice.GetMatch(ctx, matchID)
	require.NoError(t, err)

	side, err := m.SideOf(aliceAddr)
	require.NoError(t, err)

	fields, err := match.Commit(m, side, commitment.Rock, "s1", now.UnixMilli()+1)
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, matchID, fields))

	// bob never saw the record and proposes the same pair an hour later
	bob.Store = &staleReads{Store: s}
	bob.Now = func() time.Time {
		return now.Add(time.Hour)
	}

	again, err := bob.ProposeMatch(ctx, entryB, entryA, 1000)
	require.NoError(t, err)
	assert.Equal(t, matchID, again)

	after, err := alice.GetMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, m.CreatedAt, after.CreatedAt)
	assert.Equal(t, match.Deadline(m), match.Deadline(after))
	assert.Equal(t, m.CommitA+m.CommitB+fields[match.FieldCommitA]+fields[match.FieldCommitB],
		after.CommitA+after.CommitB)
	assert.Equal(t, match.StatusCommitted, match.Derive(after).Status)
}

func TestShouldPropose(t *testing.T) {
	t.Parallel()

	a := coordinator.LobbyEntry{ID: "2", Address: "qa"}
	b := coordinator.LobbyEntry{ID: "1", Address: "qb"}

	assert.True(t, coordinator.ShouldPropose(a, b))
	assert.False(t, coordinator.ShouldPropose(b, a))

	sameA := coordinator.LobbyEntry{ID: "1", Address: "qa"}
	assert.True(t, coordinator.ShouldPropose(sameA, a))
	assert.False(t, coordinator.ShouldPropose(a, sameA))

	assert.Equal(t, coordinator.MatchID("x", "y"), coordinator.MatchID("y", "x"))
}

func TestObserveMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	c := &coordinator.CoordinatorService{Store: s, Now: clock}

	m := match.New("m-1", "qa", "qb", 10, 0, now.UnixMilli())
	require.NoError(t, c.Publish(ctx, m.ID, match.Encode(m)))

	var (
		mu        sync.Mutex
		snapshots []match.Match
	)

	cancel, err := c.ObserveMatch(ctx, m.ID, func(snapshot match.Match) {
		mu.Lock()
		defer mu.Unlock()

		snapshots = append(snapshots, snapshot)
	})
	require.NoError(t, err)

	defer cancel()

	fields, err := match.Commit(m, match.SideA, 0, "s1", now.UnixMilli())
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, m.ID, fields))

	// garbage is skipped, not delivered
	require.NoError(t, s.Put(ctx, store.MatchPath(m.ID), store.Record{match.FieldForfeitAt: "x"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(snapshots) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Empty(t, snapshots[0].CommitA)
	assert.Equal(t, fields[match.FieldCommitA], snapshots[1].CommitA)
}

func TestStoreFailuresPropagate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()
	c, addr := newCoordinator(t, s)

	s.SetOffline(true)

	_, err := c.PublishLobbyEntry(ctx, addr, 10)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	_, err = c.ObserveLobby(ctx, func([]coordinator.LobbyEntry) {})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	_, err = c.ObserveMatch(ctx, "m-1", func(match.Match) {})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	_, err = c.ProposeMatch(ctx,
		coordinator.LobbyEntry{ID: "1", Address: "qa"},
		coordinator.LobbyEntry{ID: "2", Address: "qb"}, 10)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestNickname(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &coordinator.CoordinatorService{Store: store.NewMemoryStore(), Now: clock}

	nickname, err := c.Nickname(ctx, "qa")
	require.NoError(t, err)
	assert.Empty(t, nickname)

	require.NoError(t, c.SaveNickname(ctx, "qa", "alice"))

	nickname, err = c.Nickname(ctx, "qa")
	require.NoError(t, err)
	assert.Equal(t, "alice", nickname)
}
