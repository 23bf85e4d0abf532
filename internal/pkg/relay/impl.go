package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/store"
)

const (
	DefaultMaxWatch = 30 * time.Second
	watchBatch      = 500
)

var discard = common.Discard()

// RelayService exposes a BoltStore over HTTP so players without a shared
// broker can replicate lobby and match records through one server.
type RelayService struct {
	Store  *store.BoltStore
	Logger *log.Logger

	MaxWatch time.Duration
}

func NewRelayService(i do.Injector) (*RelayService, error) {
	boltStore := do.MustInvoke[*store.BoltStore](i)
	loggerService := do.MustInvoke[*common.LoggerService](i)

	result := &RelayService{
		Store:    boltStore,
		Logger:   loggerService.Logger,
		MaxWatch: DefaultMaxWatch,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		//nolint:wrapcheck
		return nil, err
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *RelayService) Register(e *echo.Echo) {
	apiGroup := e.Group("/api")

	storeGroup := apiGroup.Group("/store")

	storeGroup.GET("", s.List)
	storeGroup.GET("/watch", s.Watch)
	storeGroup.GET("/*", s.Get)
	storeGroup.PUT("/*", s.Put)
}

func (s *RelayService) logger() *log.Logger {
	if s.Logger == nil {
		return discard
	}

	return s.Logger
}

func (s *RelayService) fail(err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	case errors.Is(err, store.ErrSealed):
		return echo.NewHTTPError(http.StatusConflict, "field already set")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger().Errorf("store failure: %v", err)

		return echo.NewHTTPError(http.StatusInternalServerError, "store failure")
	}
}

func (s *RelayService) Put(c echo.Context) error {
	var fields store.Record

	// BindBody only, path params must not leak into the record
	binder := &echo.DefaultBinder{}

	err := binder.BindBody(c, &fields)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Store.Put(c.Request().Context(), c.Param("*"), fields)
	if err != nil {
		return s.fail(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *RelayService) Get(c echo.Context) error {
	record, err := s.Store.Get(c.Request().Context(), c.Param("*"))
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, record)
}

func (s *RelayService) List(c echo.Context) error {
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prefix is required")
	}

	records, err := s.Store.List(c.Request().Context(), prefix)
	if err != nil {
		return s.fail(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, records)
}

func (s *RelayService) watchTimeout(c echo.Context) time.Duration {
	maxWatch := s.MaxWatch
	if maxWatch <= 0 {
		maxWatch = DefaultMaxWatch
	}

	ms, err := strconv.ParseInt(c.QueryParam("timeout"), 10, 64)
	if err != nil || ms <= 0 {
		return maxWatch
	}

	return min(time.Duration(ms)*time.Millisecond, maxWatch)
}

// Watch long-polls the change log. Without since it answers with the current
// head right away; a client ahead of the log (e.g. after a relay reset) is
// sent back to the head as well.
//
//nolint:cyclop
func (s *RelayService) Watch(c echo.Context) error {
	prefix := c.QueryParam("prefix")

	head, err := s.Store.Head()
	if err != nil {
		return s.fail(err)
	}

	raw := c.QueryParam("since")
	if raw == "" {
		//nolint:wrapcheck
		return c.JSON(http.StatusOK, store.Changes{Head: head, Updates: []store.Update{}})
	}

	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid since")
	}

	if since > head {
		s.logger().Warnf("watcher at %d is ahead of the log at %d", since, head)

		//nolint:wrapcheck
		return c.JSON(http.StatusOK, store.Changes{Head: head, Updates: []store.Update{}})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.watchTimeout(c))
	defer cancel()

	for {
		updates, next, err := s.Store.Changes(prefix, since, watchBatch)
		if err != nil {
			return s.fail(err)
		}

		if len(updates) > 0 {
			//nolint:wrapcheck
			return c.JSON(http.StatusOK, store.Changes{Head: next, Updates: updates})
		}

		since = max(since, next)

		err = s.Store.Wait(ctx, since)
		if errors.Is(err, context.DeadlineExceeded) {
			//nolint:wrapcheck
			return c.JSON(http.StatusOK, store.Changes{Head: since, Updates: []store.Update{}})
		}

		if err != nil {
			return s.fail(err)
		}
	}
}
