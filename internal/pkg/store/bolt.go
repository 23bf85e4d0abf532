package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/do/v2"
	"github.com/vreid/janken/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

const DefaultChangeLogLimit = 10000

var ErrBucketNotFound = errors.New("bucket doesn't exist")

// BoltStore persists records in bbolt and keeps a bounded change log that
// remote watchers can page through by sequence number.
type BoltStore struct {
	db     *bolt.DB
	fanout *fanout
	limit  uint64

	mu     sync.Mutex
	notify chan struct{}
}

func NewBoltStore(db *bolt.DB, changeLogLimit uint64) *BoltStore {
	if changeLogLimit == 0 {
		changeLogLimit = DefaultChangeLogLimit
	}

	return &BoltStore{
		db:     db,
		fanout: newFanout(),
		limit:  changeLogLimit,
		notify: make(chan struct{}),
	}
}

func NewBoltStoreService(i do.Injector) (*BoltStore, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	changeLogLimit := do.MustInvokeNamed[int](i, "change-log-limit")

	//nolint:gosec
	return NewBoltStore(databaseService.DB, uint64(max(changeLogLimit, 0))), nil
}

func (s *BoltStore) Put(_ context.Context, path string, fields Record) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var update Update

	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(common.StoreRecordsBucket))
		if records == nil {
			return ErrBucketNotFound
		}

		changes := tx.Bucket([]byte(common.StoreChangesBucket))
		if changes == nil {
			return ErrBucketNotFound
		}

		current, err := decodeRecord(records.Get([]byte(path)))
		if err != nil {
			return err
		}

		err = checkSealed(path, current, fields)
		if err != nil {
			return err
		}

		merged := merge(current, fields)

		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		err = records.Put([]byte(path), data)
		if err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}

		seq, err := changes.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		update = Update{Seq: seq, Path: path, Record: merged}

		data, err = json.Marshal(update)
		if err != nil {
			return fmt.Errorf("failed to marshal change: %w", err)
		}

		err = changes.Put(common.SequenceKey(seq), data)
		if err != nil {
			return fmt.Errorf("failed to put change: %w", err)
		}

		if seq > s.limit {
			err = changes.Delete(common.SequenceKey(seq - s.limit))
			if err != nil {
				return fmt.Errorf("failed to trim change log: %w", err)
			}
		}

		return nil
	})
	if errors.Is(err, ErrSealed) {
		return err
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.fanout.publish(update)

	close(s.notify)
	s.notify = make(chan struct{})

	return nil
}

func (s *BoltStore) Get(_ context.Context, path string) (Record, error) {
	var record Record

	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(common.StoreRecordsBucket))
		if records == nil {
			return ErrBucketNotFound
		}

		data := records.Get([]byte(path))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		var err error

		record, err = decodeRecord(data)

		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return record, nil
}

func (s *BoltStore) List(_ context.Context, prefix string) (map[string]Record, error) {
	result := map[string]Record{}

	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket([]byte(common.StoreRecordsBucket))
		if records == nil {
			return ErrBucketNotFound
		}

		start := []byte(prefix + "/")
		c := records.Cursor()

		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, start); k, v = c.Next() {
			record, err := decodeRecord(v)
			if err != nil {
				return err
			}

			result[string(k)] = record
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return result, nil
}

func (s *BoltStore) Subscribe(ctx context.Context, path string, fn func(Update)) (func(), error) {
	return s.fanout.subscribe(ctx, path, fn), nil
}

// Changes returns logged updates under prefix with a sequence above since,
// together with the current head of the log. An empty prefix matches all.
func (s *BoltStore) Changes(prefix string, since uint64, limit int) ([]Update, uint64, error) {
	var (
		updates []Update
		head    uint64
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		changes := tx.Bucket([]byte(common.StoreChangesBucket))
		if changes == nil {
			return ErrBucketNotFound
		}

		head = changes.Sequence()
		c := changes.Cursor()

		for k, v := c.Seek(common.SequenceKey(since + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(updates) >= limit {
				head = common.KeySequence(k) - 1

				break
			}

			var update Update

			err := json.Unmarshal(v, &update)
			if err != nil {
				return fmt.Errorf("failed to unmarshal change: %w", err)
			}

			if prefix == "" || Covers(prefix, update.Path) {
				updates = append(updates, update)
			}
		}

		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return updates, head, nil
}

// Head is the sequence of the latest logged change.
func (s *BoltStore) Head() (uint64, error) {
	var head uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		changes := tx.Bucket([]byte(common.StoreChangesBucket))
		if changes == nil {
			return ErrBucketNotFound
		}

		head = changes.Sequence()

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return head, nil
}

// Wait blocks until the change log moves past since or ctx ends.
func (s *BoltStore) Wait(ctx context.Context, since uint64) error {
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()

		_, head, err := s.Changes("", since, 1)
		if err != nil {
			return err
		}

		if head > since {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (s *BoltStore) Close() {
	s.fanout.close()
}

func (s *BoltStore) Shutdown() {
	s.Close()
}

func decodeRecord(data []byte) (Record, error) {
	if data == nil {
		return Record{}, nil
	}

	var record Record

	err := json.Unmarshal(data, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record, nil
}
