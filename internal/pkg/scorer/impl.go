package scorer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/commitment"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/store"
	"go.etcd.io/bbolt"
)

const (
	DefaultRating = 1500.0
	outcomeBuffer = 1000
)

var (
	ErrRatingsBucketNotFound = errors.New("ratings bucket doesn't exist")
	ErrCountBucketNotFound   = errors.New("count bucket doesn't exist")
	ErrScoredBucketNotFound  = errors.New("scored bucket doesn't exist")
)

var discard = common.Discard()

type Scorecard struct {
	Address string  `json:"address"`
	Rating  float64 `json:"rating"`
	Count   int64   `json:"count"`
}

// ScorerService rates players from finished matches. Every match is scored
// once, whatever number of updates announce its end.
type ScorerService struct {
	DatabaseService *common.DatabaseService
	Store           store.Store
	Logger          *log.Logger
}

func NewScorerService(i do.Injector) (*ScorerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	s := do.MustInvoke[store.Store](i)
	loggerService := do.MustInvoke[*common.LoggerService](i)

	result := &ScorerService{
		DatabaseService: databaseService,
		Store:           s,
		Logger:          loggerService.Logger,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *ScorerService) Register(e *echo.Echo) {
	apiGroup := e.Group("/api")

	scorerGroup := apiGroup.Group("/scorer")

	scorerGroup.GET("/ratings", s.GetRatings)
	scorerGroup.GET("/ratings/:address", s.GetScorecard)
}

func (s *ScorerService) logger() *log.Logger {
	if s.Logger == nil {
		return discard
	}

	return s.Logger
}

// Start scores the matches already in the store, then follows new ones until
// the returned func is called.
func (s *ScorerService) Start(ctx context.Context) (func(), error) {
	outcomes := make(chan match.Match, outcomeBuffer)
	done := make(chan struct{})

	cancel, err := s.Store.Subscribe(ctx, store.MatchesRoot, func(update store.Update) {
		m, err := match.Decode(match.Fields(update.Record))
		if err != nil {
			return
		}

		if match.Derive(m).Status.Terminal() {
			select {
			case outcomes <- m:
			case <-done:
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to matches: %w", err)
	}

	records, err := s.Store.List(ctx, store.MatchesRoot)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to list matches: %w", err)
	}

	for path, record := range records {
		m, err := match.Decode(match.Fields(record))
		if err != nil {
			s.logger().Warnf("skipping malformed match %s: %v", path, err)

			continue
		}

		s.HandleOutcome(m)
	}

	go s.processOutcomes(outcomes, done)

	var once sync.Once

	return func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}, nil
}

func (s *ScorerService) processOutcomes(outcomes <-chan match.Match, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case m := <-outcomes:
			s.HandleOutcome(m)
		}
	}
}

func GetKFactor(gamesPlayed int64) float64 {
	if gamesPlayed <= 20 {
		return 128.0
	}

	if gamesPlayed <= 50 {
		return 64.0
	}

	return 32.0
}

func CalculateExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

// UpdateRatings applies one game; scoreA is the result of a (1 win, 0.5 draw, 0 loss).
func UpdateRatings(a, b Scorecard, scoreA float64) (Scorecard, Scorecard) {
	expectedA := CalculateExpectedScore(a.Rating, b.Rating)

	k := (GetKFactor(a.Count) + GetKFactor(b.Count)) / 2.0

	a.Rating += k * (scoreA - expectedA)
	b.Rating += k * ((1.0 - scoreA) - (1.0 - expectedA))

	a.Count++
	b.Count++

	return a, b
}

func score(outcome commitment.Outcome) (float64, bool) {
	switch outcome {
	case commitment.PlayerA:
		return 1.0, true
	case commitment.PlayerB:
		return 0.0, true
	case commitment.Draw:
		return 0.5, true
	default:
		return 0, false
	}
}

func readScorecard(ratings, count *bbolt.Bucket, address string) Scorecard {
	return Scorecard{
		Address: address,
		Rating:  common.BytesToFloat64(ratings.Get([]byte(address)), DefaultRating),
		Count:   common.BytesToInt64(count.Get([]byte(address)), 0),
	}
}

func writeScorecard(ratings, count *bbolt.Bucket, card Scorecard) error {
	err := ratings.Put([]byte(card.Address), common.Float64ToBytes(card.Rating))
	if err != nil {
		return fmt.Errorf("failed to put rating: %w", err)
	}

	err = count.Put([]byte(card.Address), common.Int64ToBytes(card.Count))
	if err != nil {
		return fmt.Errorf("failed to put count: %w", err)
	}

	return nil
}

// HandleOutcome rates a finished match. Matches nobody won, because both
// sides misbehaved, count for neither player.
func (s *ScorerService) HandleOutcome(m match.Match) {
	state := match.Derive(m)
	if !state.Status.Terminal() || m.PlayerA == "" || m.PlayerB == "" {
		return
	}

	scoreA, rated := score(state.Outcome)

	err := s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		ratings := tx.Bucket([]byte(common.ScorerRatingsBucket))
		if ratings == nil {
			return ErrRatingsBucketNotFound
		}

		count := tx.Bucket([]byte(common.ScorerCountBucket))
		if count == nil {
			return ErrCountBucketNotFound
		}

		scored := tx.Bucket([]byte(common.ScorerScoredBucket))
		if scored == nil {
			return ErrScoredBucketNotFound
		}

		if scored.Get([]byte(m.ID)) != nil {
			return nil
		}

		err := scored.Put([]byte(m.ID), []byte(state.Outcome))
		if err != nil {
			return fmt.Errorf("failed to mark match scored: %w", err)
		}

		if !rated {
			return nil
		}

		a, b := UpdateRatings(
			readScorecard(ratings, count, m.PlayerA),
			readScorecard(ratings, count, m.PlayerB),
			scoreA)

		err = writeScorecard(ratings, count, a)
		if err != nil {
			return err
		}

		return writeScorecard(ratings, count, b)
	})
	if err != nil {
		s.logger().Errorf("failed to score match %s: %v", m.ID, err)
	}
}

func (s *ScorerService) Scorecard(address string) (Scorecard, error) {
	var card Scorecard

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		ratings := tx.Bucket([]byte(common.ScorerRatingsBucket))
		if ratings == nil {
			return ErrRatingsBucketNotFound
		}

		count := tx.Bucket([]byte(common.ScorerCountBucket))
		if count == nil {
			return ErrCountBucketNotFound
		}

		card = readScorecard(ratings, count, address)

		return nil
	})
	if err != nil {
		return Scorecard{}, fmt.Errorf("failed to read scorecard: %w", err)
	}

	return card, nil
}

// Ranking lists every rated player, best first.
func (s *ScorerService) Ranking() ([]Scorecard, error) {
	var cards []Scorecard

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		ratings := tx.Bucket([]byte(common.ScorerRatingsBucket))
		if ratings == nil {
			return ErrRatingsBucketNotFound
		}

		count := tx.Bucket([]byte(common.ScorerCountBucket))
		if count == nil {
			return ErrCountBucketNotFound
		}

		return ratings.ForEach(func(k, _ []byte) error {
			cards = append(cards, readScorecard(ratings, count, string(k)))

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking: %w", err)
	}

	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].Rating > cards[j].Rating
	})

	return cards, nil
}

func (s *ScorerService) GetRatings(c echo.Context) error {
	cards, err := s.Ranking()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read ranking")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, cards)
}

func (s *ScorerService) GetScorecard(c echo.Context) error {
	card, err := s.Scorecard(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read scorecard")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, card)
}
