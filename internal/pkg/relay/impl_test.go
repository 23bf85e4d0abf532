package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/janken/internal/pkg/common"
	relay "github.com/vreid/janken/internal/pkg/relay"
	"github.com/vreid/janken/internal/pkg/store"
)

func newRelay(t *testing.T) (*httptest.Server, *store.BoltStore) {
	t.Helper()

	database, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	boltStore := store.NewBoltStore(database.DB, 0)

	echoService := common.NewEcho(0, common.Discard())
	echoService.Register((&relay.RelayService{Store: boltStore}).Register)

	server := httptest.NewServer(echoService.Handler())

	t.Cleanup(func() {
		server.Close()
		boltStore.Close()
		_ = database.Shutdown()
	})

	return server, boltStore
}

func newClient(server *httptest.Server) *store.HTTPStore {
	client := store.NewHTTPStore(server.URL)
	client.WatchTimeout = 100 * time.Millisecond

	return client
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	server, _ := newRelay(t)
	client := newClient(server)
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, store.MatchPath("m-1"), store.Record{"playerA": "qa"}))
	require.NoError(t, client.Put(ctx, store.MatchPath("m-1"), store.Record{"commitA": "c"}))
	require.NoError(t, client.Put(ctx, store.LobbyPath("e-1"), store.Record{"status": "waiting"}))

	record, err := client.Get(ctx, store.MatchPath("m-1"))
	require.NoError(t, err)
	assert.Equal(t, store.Record{"playerA": "qa", "commitA": "c"}, record)

	err = client.Put(ctx, store.MatchPath("m-1"), store.Record{"commitA": "other"})
	require.ErrorIs(t, err, store.ErrSealed)

	_, err = client.Get(ctx, store.MatchPath("m-2"))
	require.ErrorIs(t, err, store.ErrNotFound)

	records, err := client.List(ctx, store.MatchesRoot)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, records, "matches/m-1")
}

type collector struct {
	mu      sync.Mutex
	updates []store.Update
}

func (c *collector) add(update store.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates = append(c.updates, update)
}

func (c *collector) snapshot() []store.Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]store.Update(nil), c.updates...)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	server, boltStore := newRelay(t)
	client := newClient(server)
	ctx := context.Background()

	// history before the subscription is not replayed
	require.NoError(t, boltStore.Put(ctx, store.LobbyPath("e-0"), store.Record{"n": "0"}))

	c := &collector{}

	cancel, err := client.Subscribe(ctx, store.LobbyRoot, c.add)
	require.NoError(t, err)

	defer cancel()

	require.NoError(t, client.Put(ctx, store.MatchPath("m-1"), store.Record{"n": "x"}))
	require.NoError(t, client.Put(ctx, store.LobbyPath("e-1"), store.Record{"n": "1"}))
	require.NoError(t, client.Put(ctx, store.LobbyPath("e-1"), store.Record{"m": "2"}))

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	updates := c.snapshot()
	assert.Equal(t, "lobby/e-1", updates[0].Path)
	assert.Equal(t, store.Record{"n": "1", "m": "2"}, updates[1].Record)
	assert.Less(t, updates[0].Seq, updates[1].Seq)
}

func watch(t *testing.T, server *httptest.Server, query string) (int, store.Changes) {
	t.Helper()

	resp, err := http.Get(server.URL + "/api/store/watch?" + query)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	var changes store.Changes
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&changes))
	}

	return resp.StatusCode, changes
}

func TestWatch(t *testing.T) {
	t.Parallel()

	server, boltStore := newRelay(t)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, boltStore.Put(ctx, store.LobbyPath("e-1"), store.Record{"n": "1"}))
	}

	status, changes := watch(t, server, "prefix=lobby")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(3), changes.Head)
	assert.Empty(t, changes.Updates)

	status, changes = watch(t, server, "prefix=lobby&since=1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(3), changes.Head)
	assert.Len(t, changes.Updates, 2)

	// a client ahead of the log is sent back to the head
	status, changes = watch(t, server, "prefix=lobby&since=42")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(3), changes.Head)

	// nothing new under matches, the poll times out empty
	status, changes = watch(t, server, "prefix=matches&since=3&timeout=50")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(3), changes.Head)
	assert.Empty(t, changes.Updates)

	status, _ = watch(t, server, "prefix=lobby&since=x")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	server, _ := newRelay(t)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/api/store/lobby/", strings.NewReader(`{"a":"b"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPut, server.URL+"/api/store/lobby/e-1", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/store")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
