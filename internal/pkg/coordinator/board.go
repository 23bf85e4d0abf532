package coordinator

import (
	"sort"
	"sync"
)

// Board is the visible list of waiting entries.
type Board struct {
	mu      sync.Mutex
	entries map[string]LobbyEntry
}

func NewBoard() *Board {
	return &Board{entries: map[string]LobbyEntry{}}
}

// Apply reports whether the waiting list changed.
func (b *Board) Apply(entry LobbyEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.entries[entry.ID]

	if entry.Status != LobbyWaiting {
		delete(b.entries, entry.ID)

		return ok
	}

	b.entries[entry.ID] = entry

	return !ok || current != entry
}

// Waiting returns entries oldest first.
func (b *Board) Waiting() []LobbyEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]LobbyEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}

		return result[i].ID < result[j].ID
	})

	return result
}
