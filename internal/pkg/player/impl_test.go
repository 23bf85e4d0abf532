package player_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/janken/internal/pkg/commitment"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/coordinator"
	"github.com/vreid/janken/internal/pkg/match"
	player "github.com/vreid/janken/internal/pkg/player"
	"github.com/vreid/janken/internal/pkg/store"
	"github.com/vreid/janken/internal/pkg/wallet"
)

func newPlayer(t *testing.T, s store.Store) (*player.PlayerService, string) {
	t.Helper()

	database, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	w, err := wallet.NewRandom(database.DB, wallet.Testnet)
	require.NoError(t, err)

	addr, err := w.Address()
	require.NoError(t, err)

	p := &player.PlayerService{
		Coordinator: &coordinator.CoordinatorService{
			Store:             s,
			Wallet:            w,
			Network:           wallet.Testnet,
			RequireSignatures: true,
			Window:            time.Minute,
		},
		Secrets:      &player.BoltSecrets{DatabaseService: database},
		PollInterval: 10 * time.Millisecond,
	}

	t.Cleanup(p.Close)

	return p, addr
}

func createMatch(t *testing.T, s store.Store, playerA, playerB string, window int64) match.Match {
	t.Helper()

	m := match.New("m-"+playerA[len(playerA)-6:], playerA, playerB, 1000, window, time.Now().UnixMilli())
	require.NoError(t, s.Put(context.Background(), store.MatchPath(m.ID), store.Record(match.Encode(m))))

	return m
}

type played struct {
	match match.Match
	state match.State
	err   error
}

func playAsync(ctx context.Context, p *player.PlayerService, matchID string, move commitment.Move) <-chan played {
	result := make(chan played, 1)

	go func() {
		m, state, err := p.Play(ctx, matchID, move)
		result <- played{match: m, state: state, err: err}
	}()

	return result
}

func await(t *testing.T, result <-chan played) played {
	t.Helper()

	select {
	case r := <-result:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("player did not finish")

		return played{}
	}
}

func TestRockBeatsScissors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	bob, bobAddr := newPlayer(t, s)

	m := createMatch(t, s, aliceAddr, bobAddr, match.DefaultWindow)

	aliceResult := playAsync(ctx, alice, m.ID, commitment.Rock)
	bobResult := playAsync(ctx, bob, m.ID, commitment.Scissors)

	for _, r := range []played{await(t, aliceResult), await(t, bobResult)} {
		require.NoError(t, r.err)
		assert.Equal(t, match.StatusSettled, r.state.Status)
		assert.Equal(t, commitment.PlayerA, r.state.Outcome)
		require.NotNil(t, r.match.RevealA)
		assert.Equal(t, commitment.Rock, r.match.RevealA.Move)
	}

	record, err := s.Get(ctx, store.MatchPath(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "settled", record[match.FieldStatus])
	assert.Equal(t, "playerA", record[match.FieldOutcome])

	// secrets are dropped once the match is over
	_, err = alice.Secrets.Load(m.ID)
	require.ErrorIs(t, err, player.ErrSecretNotFound)
}

func TestAutomatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	bob, _ := newPlayer(t, s)

	var (
		wg      sync.WaitGroup
		results [2]played
	)

	for i, p := range []*player.PlayerService{alice, bob} {
		move := commitment.Paper
		if i == 1 {
			move = commitment.Rock
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			m, state, err := p.Automatch(ctx, 5000, move)
			results[i] = played{match: m, state: state, err: err}
		}()
	}

	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, match.StatusSettled, r.state.Status)
		assert.Equal(t, results[0].match.ID, r.match.ID)
		assert.Equal(t, int64(5000), r.match.Amount)
	}

	aliceSide, err := results[0].match.SideOf(aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, aliceSide.Wins(), results[0].state.Outcome)

	matches, err := s.List(ctx, store.MatchesRoot)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestTamperedRevealIsDisputed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	m := createMatch(t, s, aliceAddr, "qbob", match.DefaultWindow)

	fields, err := match.Commit(m, match.SideB, commitment.Paper, "bob-secret", time.Now().UnixMilli())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, store.MatchPath(m.ID), store.Record(fields)))

	result := playAsync(ctx, alice, m.ID, commitment.Rock)

	require.Eventually(t, func() bool {
		record, err := s.Get(ctx, store.MatchPath(m.ID))

		return err == nil && record[match.FieldCommitA] != ""
	}, 5*time.Second, 5*time.Millisecond)

	// bob claims scissors against a paper commitment
	require.NoError(t, s.Put(ctx, store.MatchPath(m.ID), store.Record{
		match.FieldRevealB: `{"move":2,"secret":"bob-secret","timestamp":1}`,
	}))

	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, match.StatusDisputed, r.state.Status)
	assert.Equal(t, match.SideB, r.state.Offender)
	assert.Equal(t, commitment.PlayerA, r.state.Outcome)
	require.ErrorIs(t, r.state.Violation, match.ErrCommitmentMismatch)
}

func TestSilentOpponentForfeits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	m := createMatch(t, s, aliceAddr, "qbob", 200)

	r := await(t, playAsync(ctx, alice, m.ID, commitment.Rock))
	require.NoError(t, r.err)
	assert.Equal(t, match.StatusForfeited, r.state.Status)
	assert.Equal(t, match.SideB, r.state.Offender)
	assert.Equal(t, commitment.PlayerA, r.state.Outcome)

	record, err := s.Get(ctx, store.MatchPath(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "forfeited", record[match.FieldStatus])
	assert.NotEmpty(t, record[match.FieldForfeitAt])
}

func TestResumeUsesStoredSecret(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	bob, bobAddr := newPlayer(t, s)

	m := createMatch(t, s, aliceAddr, bobAddr, match.DefaultWindow)

	// alice committed to rock, then crashed before revealing
	require.NoError(t, alice.Secrets.Save(m.ID, player.Secret{Move: commitment.Rock, Secret: "kept"}))

	fields, err := match.Commit(m, match.SideA, commitment.Rock, "kept", time.Now().UnixMilli())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, store.MatchPath(m.ID), store.Record(fields)))

	aliceResult := playAsync(ctx, alice, m.ID, commitment.Paper)
	bobResult := playAsync(ctx, bob, m.ID, commitment.Scissors)

	r := await(t, aliceResult)
	require.NoError(t, r.err)
	assert.Equal(t, match.StatusSettled, r.state.Status)
	assert.Equal(t, commitment.PlayerA, r.state.Outcome)
	assert.Equal(t, commitment.Rock, r.match.RevealA.Move)

	require.NoError(t, await(t, bobResult).err)
}

func TestCloseStopsPlay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, aliceAddr := newPlayer(t, s)
	m := createMatch(t, s, aliceAddr, "qbob", 0)

	result := playAsync(ctx, alice, m.ID, commitment.Rock)

	require.Eventually(t, func() bool {
		record, err := s.Get(ctx, store.MatchPath(m.ID))

		return err == nil && record[match.FieldCommitA] != ""
	}, 5*time.Second, 5*time.Millisecond)

	alice.Close()

	r := await(t, result)
	require.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, match.StatusCommitted, r.state.Status)

	// the secret survives so the match can be resumed
	secret, err := alice.Secrets.Load(m.ID)
	require.NoError(t, err)
	assert.Equal(t, commitment.Rock, secret.Move)
}

func TestPlayRejectsStrangers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemoryStore()

	alice, _ := newPlayer(t, s)
	m := createMatch(t, s, "qcarol-000000", "qbob", match.DefaultWindow)

	_, _, err := alice.Play(ctx, m.ID, commitment.Rock)
	require.ErrorIs(t, err, match.ErrNotParticipant)

	_, _, err = alice.Play(ctx, m.ID, commitment.Move(7))
	require.ErrorIs(t, err, commitment.ErrInvalidMove)
}

func TestReconnectDisconnectsOldWallet(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	alice, _ := newPlayer(t, s)

	old := alice.Coordinator.Wallet.(*wallet.KeyWallet)

	database, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	next, err := wallet.NewRandom(database.DB, wallet.Testnet)
	require.NoError(t, err)

	alice.Reconnect(next)

	_, err = old.Address()
	require.ErrorIs(t, err, wallet.ErrNotConnected)

	_, err = alice.Coordinator.Wallet.Address()
	require.NoError(t, err)
}

func TestSecrets(t *testing.T) {
	t.Parallel()

	database, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = database.Shutdown()
	})

	for name, secrets := range map[string]player.Secrets{
		"memory": player.NewMemorySecrets(),
		"bolt":   &player.BoltSecrets{DatabaseService: database},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := secrets.Load("m-1")
			require.ErrorIs(t, err, player.ErrSecretNotFound)

			require.NoError(t, secrets.Save("m-1", player.Secret{Move: commitment.Paper, Secret: "s"}))

			secret, err := secrets.Load("m-1")
			require.NoError(t, err)
			assert.Equal(t, player.Secret{Move: commitment.Paper, Secret: "s"}, secret)

			require.NoError(t, secrets.Delete("m-1"))

			_, err = secrets.Load("m-1")
			require.ErrorIs(t, err, player.ErrSecretNotFound)
		})
	}
}
