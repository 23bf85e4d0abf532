package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/commitment"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/coordinator"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/store"
	"github.com/vreid/janken/internal/pkg/wallet"
)

const (
	DefaultPollInterval = 2 * time.Second
	snapshotBuffer      = 16
)

var discard = common.Discard()

// PlayerService drives the local side of matches: it commits, reveals once
// both commitments are visible, settles, and claims a forfeit when the
// opponent lets the deadline pass.
type PlayerService struct {
	Coordinator *coordinator.CoordinatorService
	Secrets     Secrets
	Logger      *log.Logger

	// PollInterval paces deadline checks and re-reads of the match record.
	PollInterval time.Duration
	Now          func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	cancel func()
}

func NewPlayerService(i do.Injector) (*PlayerService, error) {
	coordinatorService := do.MustInvoke[*coordinator.CoordinatorService](i)
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	loggerService := do.MustInvoke[*common.LoggerService](i)

	pollSeconds := do.MustInvokeNamed[int](i, "poll-interval-seconds")

	return &PlayerService{
		Coordinator: coordinatorService,
		Secrets:     &BoltSecrets{DatabaseService: databaseService},
		Logger:      loggerService.Logger,

		PollInterval: time.Duration(pollSeconds) * time.Second,
		Now:          time.Now,
	}, nil
}

func (s *PlayerService) now() int64 {
	if s.Now == nil {
		return time.Now().UnixMilli()
	}

	return s.Now().UnixMilli()
}

func (s *PlayerService) logger() *log.Logger {
	if s.Logger == nil {
		return discard
	}

	return s.Logger
}

func (s *PlayerService) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}

	return s.PollInterval
}

func (s *PlayerService) address() (string, error) {
	s.mu.Lock()
	w := s.Coordinator.Wallet
	s.mu.Unlock()

	if w == nil {
		return "", wallet.ErrNotConnected
	}

	//nolint:wrapcheck
	return w.Address()
}

func (s *PlayerService) track(cancel func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchers == nil {
		s.watchers = map[*watcher]struct{}{}
	}

	entry := &watcher{cancel: cancel}
	s.watchers[entry] = struct{}{}

	return func() {
		s.mu.Lock()
		delete(s.watchers, entry)
		s.mu.Unlock()

		cancel()
	}
}

// Close stops every game and lobby watch started by this player.
func (s *PlayerService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for entry := range s.watchers {
		entry.cancel()
	}

	s.watchers = map[*watcher]struct{}{}
}

// Reconnect drops all outstanding watchers before switching to another
// wallet, so nothing started under the old identity keeps acting.
func (s *PlayerService) Reconnect(w wallet.Wallet) {
	s.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Coordinator.Wallet != w {
		if old, ok := s.Coordinator.Wallet.(interface{ Disconnect() }); ok {
			old.Disconnect()
		}
	}

	s.Coordinator.Wallet = w
}

// Play drives matchID until it reaches a terminal state and returns the final
// view of it.
//
//nolint:cyclop
func (s *PlayerService) Play(
	ctx context.Context,
	matchID string,
	move commitment.Move) (match.Match, match.State, error) {
	if !move.Valid() {
		return match.Match{}, match.State{}, fmt.Errorf("%w: %d", commitment.ErrInvalidMove, int(move))
	}

	address, err := s.address()
	if err != nil {
		return match.Match{}, match.State{}, err
	}

	playCtx, cancel := context.WithCancel(ctx)
	release := s.track(cancel)

	defer release()

	snapshots := make(chan match.Match, snapshotBuffer)

	stopObserving, err := s.Coordinator.ObserveMatch(playCtx, matchID, func(m match.Match) {
		select {
		case snapshots <- m:
		case <-playCtx.Done():
		}
	})
	if err != nil {
		return match.Match{}, match.State{}, err
	}

	defer stopObserving()

	g := &game{
		player:  s,
		id:      matchID,
		address: address,
		move:    move,
		tracker: &match.Tracker{},
	}

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		var snapshot match.Match

		select {
		case <-playCtx.Done():
			view, state := g.tracker.Current()

			return view, state, playCtx.Err()
		case snapshot = <-snapshots:
		case <-ticker.C:
			snapshot, err = s.Coordinator.GetMatch(playCtx, matchID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			if err != nil {
				s.logger().Warnf("failed to poll match %s: %v", matchID, err)

				continue
			}
		}

		done, err := g.step(playCtx, snapshot)
		if err != nil {
			view, state := g.tracker.Current()

			return view, state, err
		}

		if done {
			view, state := g.tracker.Current()

			return view, state, nil
		}
	}
}

type game struct {
	player  *PlayerService
	id      string
	address string
	move    commitment.Move
	tracker *match.Tracker
}

func (g *game) step(ctx context.Context, snapshot match.Match) (bool, error) {
	view, state, changed := g.tracker.Observe(snapshot)

	side, err := view.SideOf(g.address)
	if err != nil {
		return true, err
	}

	if changed {
		g.player.logger().Debugf("match %s is %s", g.id, state.Status)
	}

	if !state.Status.Terminal() {
		view, state, err = g.act(ctx, view, side)
		if err != nil {
			return true, err
		}
	}

	if !state.Status.Terminal() {
		view, state, err = g.claimForfeit(ctx, view)
		if err != nil {
			return true, err
		}
	}

	if !state.Status.Terminal() {
		return false, nil
	}

	g.finish(ctx, view, state, side)

	return true, nil
}

func (g *game) act(ctx context.Context, view match.Match, side match.Side) (match.Match, match.State, error) {
	own, _ := view.Commitment(side)
	if own == "" {
		return g.commit(ctx, view, side)
	}

	theirs, _ := view.Commitment(side.Opponent())
	if theirs != "" && view.RevealOf(side) == nil {
		return g.reveal(ctx, view, side)
	}

	view, state := g.tracker.Current()

	return view, state, nil
}

// secret returns the stored secret for this match, creating and persisting a
// fresh one before anything is published.
func (g *game) secret() (Secret, error) {
	secret, err := g.player.Secrets.Load(g.id)
	if err == nil {
		return secret, nil
	}

	if !errors.Is(err, ErrSecretNotFound) {
		return Secret{}, err
	}

	value, err := commitment.GenerateSecret()
	if err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %w", err)
	}

	secret = Secret{Move: g.move, Secret: value}

	err = g.player.Secrets.Save(g.id, secret)
	if err != nil {
		return Secret{}, err
	}

	return secret, nil
}

func (g *game) commit(ctx context.Context, view match.Match, side match.Side) (match.Match, match.State, error) {
	secret, err := g.secret()
	if err != nil {
		return view, match.State{}, err
	}

	if secret.Move != g.move {
		g.player.logger().Warnf("match %s resumes with the stored move %s", g.id, secret.Move)
	}

	fields, err := match.Commit(view, side, secret.Move, secret.Secret, g.player.now())
	if errors.Is(err, match.ErrTooLate) {
		return g.giveUp("commit")
	}

	if err != nil {
		return view, match.State{}, fmt.Errorf("failed to commit to match %s: %w", g.id, err)
	}

	g.player.logger().Infof("committing to match %s as %s", g.id, side)

	return g.publish(ctx, view, fields)
}

func (g *game) reveal(ctx context.Context, view match.Match, side match.Side) (match.Match, match.State, error) {
	secret, err := g.player.Secrets.Load(g.id)
	if err != nil {
		return view, match.State{}, fmt.Errorf("cannot reveal in match %s: %w", g.id, err)
	}

	fields, err := match.Open(view, side, secret.Move, secret.Secret, g.player.now())
	if errors.Is(err, match.ErrTooLate) {
		return g.giveUp("reveal")
	}

	if err != nil {
		return view, match.State{}, fmt.Errorf("failed to reveal in match %s: %w", g.id, err)
	}

	g.player.logger().Infof("revealing %s in match %s", secret.Move, g.id)

	return g.publish(ctx, view, fields)
}

// giveUp leaves a publication that could land after the deadline unsent; the
// match ends through a forfeit claim instead.
func (g *game) giveUp(action string) (match.Match, match.State, error) {
	g.player.logger().Warnf("too late to %s in match %s", action, g.id)

	view, state := g.tracker.Current()

	return view, state, nil
}

func (g *game) claimForfeit(ctx context.Context, view match.Match) (match.Match, match.State, error) {
	now := g.player.now()

	claimable := match.ClaimableAt(view)
	if claimable == 0 || now < claimable {
		view, state := g.tracker.Current()

		return view, state, nil
	}

	fields, err := match.ClaimForfeit(view, now)
	if errors.Is(err, match.ErrNoTimeout) {
		view, state := g.tracker.Current()

		return view, state, nil
	}

	if err != nil {
		return view, match.State{}, fmt.Errorf("failed to claim forfeit of match %s: %w", g.id, err)
	}

	g.player.logger().Infof("deadline of match %s passed, claiming forfeit", g.id)

	return g.publish(ctx, view, fields)
}

// publish writes fields and folds them into the local view right away, so the
// next step does not wait for the store to echo them back.
func (g *game) publish(ctx context.Context, view match.Match, fields match.Fields) (match.Match, match.State, error) {
	err := g.player.Coordinator.Publish(ctx, g.id, fields)
	if err != nil {
		return view, match.State{}, err
	}

	applied, err := match.Apply(view, fields)
	if err != nil {
		return view, match.State{}, err
	}

	view, state, _ := g.tracker.Observe(applied)

	return view, state, nil
}

func (g *game) finish(ctx context.Context, view match.Match, state match.State, side match.Side) {
	if view.Status != state.Status {
		fields, err := match.Settle(view, g.player.now())
		if err == nil {
			err = g.player.Coordinator.Publish(ctx, g.id, fields)
		}

		if err != nil {
			g.player.logger().Warnf("failed to record outcome of match %s: %v", g.id, err)
		}
	}

	err := g.player.Secrets.Delete(g.id)
	if err != nil {
		g.player.logger().Warnf("failed to drop secret of match %s: %v", g.id, err)
	}

	switch {
	case state.Outcome == side.Wins():
		g.player.logger().Infof("match %s %s: won", g.id, state.Status)
	case state.Outcome == side.Opponent().Wins():
		g.player.logger().Infof("match %s %s: lost", g.id, state.Status)
	default:
		g.player.logger().Infof("match %s %s: %s", g.id, state.Status, state.Outcome)
	}
}

// Automatch enters the lobby with amount, pairs up with the first compatible
// opponent and plays the resulting match.
func (s *PlayerService) Automatch(
	ctx context.Context,
	amount int64,
	move commitment.Move) (match.Match, match.State, error) {
	if !move.Valid() {
		return match.Match{}, match.State{}, fmt.Errorf("%w: %d", commitment.ErrInvalidMove, int(move))
	}

	address, err := s.address()
	if err != nil {
		return match.Match{}, match.State{}, err
	}

	entryID, err := s.Coordinator.PublishLobbyEntry(ctx, address, amount)
	if err != nil {
		return match.Match{}, match.State{}, err
	}

	matchID, err := s.awaitMatch(ctx, entryID, amount)
	if err != nil {
		return match.Match{}, match.State{}, err
	}

	s.logger().Infof("lobby entry %s matched into %s", entryID, matchID)

	return s.Play(ctx, matchID, move)
}

func (s *PlayerService) awaitMatch(ctx context.Context, entryID string, amount int64) (string, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	release := s.track(cancel)

	defer release()

	matched := make(chan string, 1)
	lobby := make(chan []coordinator.LobbyEntry, 1)

	stopEntry, err := s.Coordinator.ObserveEntry(waitCtx, entryID, func(entry coordinator.LobbyEntry) {
		if entry.Status == coordinator.LobbyMatched && entry.MatchID != "" {
			select {
			case matched <- entry.MatchID:
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	defer stopEntry()

	stopLobby, err := s.Coordinator.ObserveLobby(waitCtx, func(entries []coordinator.LobbyEntry) {
		offerLatest(lobby, entries)
	})
	if err != nil {
		return "", err
	}

	defer stopLobby()

	for {
		select {
		case <-waitCtx.Done():
			return "", waitCtx.Err()
		case matchID := <-matched:
			return matchID, nil
		case entries := <-lobby:
			self, opponent, ok := pickOpponent(entries, entryID, amount)
			if !ok {
				continue
			}

			matchID, err := s.Coordinator.ProposeMatch(waitCtx, self, opponent, amount)
			if err != nil {
				s.logger().Warnf("failed to propose match with %s: %v", opponent.ID, err)

				continue
			}

			return matchID, nil
		}
	}
}

// pickOpponent finds the oldest waiting entry with the same wager that this
// player is responsible for proposing to.
func pickOpponent(entries []coordinator.LobbyEntry, entryID string, amount int64) (
	coordinator.LobbyEntry, coordinator.LobbyEntry, bool) {
	var (
		self  coordinator.LobbyEntry
		found bool
	)

	for _, entry := range entries {
		if entry.ID == entryID {
			self, found = entry, true

			break
		}
	}

	if !found {
		return coordinator.LobbyEntry{}, coordinator.LobbyEntry{}, false
	}

	for _, entry := range entries {
		if entry.ID == self.ID || entry.Address == self.Address || entry.Amount != amount {
			continue
		}

		if coordinator.ShouldPropose(self, entry) {
			return self, entry, true
		}
	}

	return coordinator.LobbyEntry{}, coordinator.LobbyEntry{}, false
}

// offerLatest replaces whatever is buffered in ch with v.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}
