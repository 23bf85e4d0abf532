package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

const DefaultValkeyNamespace = "janken"

// ValkeyStore keeps each path in a hash, so HSET gives the per-field merge,
// and announces writes on a channel named after the path.
type ValkeyStore struct {
	client    valkey.Client
	namespace string
}

func NewValkeyStore(addresses []string, namespace string) (*ValkeyStore, error) {
	//nolint:exhaustruct
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to valkey: %w", ErrStoreUnavailable, err)
	}

	return NewValkeyStoreWithClient(client, namespace), nil
}

func NewValkeyStoreWithClient(client valkey.Client, namespace string) *ValkeyStore {
	if namespace == "" {
		namespace = DefaultValkeyNamespace
	}

	return &ValkeyStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *ValkeyStore) key(path string) string {
	return s.namespace + ":" + path
}

func (s *ValkeyStore) path(key string) string {
	return strings.TrimPrefix(key, s.namespace+":")
}

// putScript merges field/value/sealed triples from ARGV[2:] into the hash at
// KEYS[1] and announces ARGV[1] on the channel named after the key. A sealed
// field holding another value aborts the whole write.
var putScript = valkey.NewLuaScript(`
for i = 2, #ARGV, 3 do
  if ARGV[i + 2] == "1" then
    local old = redis.call("HGET", KEYS[1], ARGV[i])
    if old and old ~= "" and old ~= ARGV[i + 1] then
      return redis.error_reply("SEALED " .. ARGV[i])
    end
  end
end
for i = 2, #ARGV, 3 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("PUBLISH", KEYS[1], ARGV[1])
return 1
`)

func (s *ValkeyStore) Put(ctx context.Context, path string, fields Record) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	if len(fields) == 0 {
		return nil
	}

	args := make([]string, 0, 1+3*len(fields))
	args = append(args, path)

	for field, value := range fields {
		sealed := "0"
		if Sealed(path, field) {
			sealed = "1"
		}

		args = append(args, field, value, sealed)
	}

	err := putScript.Exec(ctx, s.client, []string{s.key(path)}, args).Error()
	if ve, ok := valkey.IsValkeyErr(err); ok && strings.HasPrefix(ve.Error(), "SEALED") {
		return fmt.Errorf("%w: %s in %s", ErrSealed, strings.TrimPrefix(ve.Error(), "SEALED "), path)
	}

	if err != nil {
		return fmt.Errorf("%w: failed to put %s: %w", ErrStoreUnavailable, path, err)
	}

	return nil
}

func (s *ValkeyStore) Get(ctx context.Context, path string) (Record, error) {
	values, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(path)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s: %w", ErrStoreUnavailable, path, err)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return Record(values), nil
}

func (s *ValkeyStore) List(ctx context.Context, prefix string) (map[string]Record, error) {
	result := map[string]Record{}
	pattern := s.key(prefix) + "/*"

	var cursor uint64

	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s: %w", ErrStoreUnavailable, prefix, err)
		}

		for _, key := range entry.Elements {
			path := s.path(key)

			record, err := s.Get(ctx, path)
			if err != nil {
				continue
			}

			result[path] = record
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return result, nil
		}
	}
}

// Subscribe listens on the path channel and its descendants. Notifications
// carry only the path; the record is read back before the callback runs, so a
// burst of writes may collapse into fewer callbacks holding the latest record.
//
// The server is pinged first so an unreachable store is reported right away;
// connections dropped later are retried in the background.
func (s *ValkeyStore) Subscribe(ctx context.Context, path string, fn func(Update)) (func(), error) {
	err := s.client.Do(ctx, s.client.B().Ping().Build()).Error()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %w", ErrStoreUnavailable, path, err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	f := newFanout()
	stop := f.subscribe(subCtx, path, func(update Update) {
		record, err := s.Get(subCtx, update.Path)
		if err != nil {
			return
		}

		fn(Update{Path: update.Path, Record: record})
	})

	go func() {
		defer stop()

		for subCtx.Err() == nil {
			err := s.client.Receive(subCtx,
				s.client.B().Psubscribe().Pattern(s.key(path), s.key(path)+"/*").Build(),
				func(msg valkey.PubSubMessage) {
					f.publish(Update{Path: s.path(msg.Channel)})
				})
			if err == nil || subCtx.Err() != nil {
				return
			}

			// connection dropped, resubscribe
			select {
			case <-subCtx.Done():
			case <-time.After(time.Second):
			}
		}
	}()

	return cancel, nil
}

func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) Shutdown() {
	s.Close()
}
