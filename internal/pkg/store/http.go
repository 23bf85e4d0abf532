package store

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultWatchTimeout = 25 * time.Second
	watchRetryDelay     = time.Second
)

// HTTPStore talks to a relay serving a BoltStore under /api/store.
type HTTPStore struct {
	client *resty.Client

	WatchTimeout time.Duration
}

func NewHTTPStore(baseURL string) *HTTPStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")

	return &HTTPStore{
		client:       client,
		WatchTimeout: DefaultWatchTimeout,
	}
}

func (s *HTTPStore) Put(ctx context.Context, path string, fields Record) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(fields).
		Put("/api/store/" + path)
	if err != nil {
		return fmt.Errorf("%w: failed to put %s: %w", ErrStoreUnavailable, path, err)
	}

	if resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrSealed, path)
	}

	if resp.IsError() {
		return fmt.Errorf("%w: failed to put %s: %s", ErrStoreUnavailable, path, resp.Status())
	}

	return nil
}

func (s *HTTPStore) Get(ctx context.Context, path string) (Record, error) {
	var record Record

	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&record).
		Get("/api/store/" + path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s: %w", ErrStoreUnavailable, path, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("%w: failed to get %s: %s", ErrStoreUnavailable, path, resp.Status())
	}

	return record, nil
}

func (s *HTTPStore) List(ctx context.Context, prefix string) (map[string]Record, error) {
	result := map[string]Record{}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		SetResult(&result).
		Get("/api/store")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %w", ErrStoreUnavailable, prefix, err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("%w: failed to list %s: %s", ErrStoreUnavailable, prefix, resp.Status())
	}

	return result, nil
}

func (s *HTTPStore) changes(ctx context.Context, prefix string, since *uint64) (*Changes, error) {
	var changes Changes

	req := s.client.R().
		SetContext(ctx).
		SetQueryParam("prefix", prefix).
		SetQueryParam("timeout", strconv.FormatInt(s.WatchTimeout.Milliseconds(), 10)).
		SetResult(&changes)

	if since != nil {
		req.SetQueryParam("since", strconv.FormatUint(*since, 10))
	}

	resp, err := req.Get("/api/store/watch")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to watch %s: %w", ErrStoreUnavailable, prefix, err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("%w: failed to watch %s: %s", ErrStoreUnavailable, prefix, resp.Status())
	}

	return &changes, nil
}

// Subscribe long-polls the relay change feed from the current head.
func (s *HTTPStore) Subscribe(ctx context.Context, path string, fn func(Update)) (func(), error) {
	head, err := s.changes(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		since := head.Head

		for subCtx.Err() == nil {
			changes, err := s.changes(subCtx, path, &since)
			if err != nil {
				select {
				case <-subCtx.Done():
				case <-time.After(watchRetryDelay):
				}

				continue
			}

			for _, update := range changes.Updates {
				if subCtx.Err() != nil {
					return
				}

				fn(update)
			}

			since = changes.Head
		}
	}()

	return cancel, nil
}
