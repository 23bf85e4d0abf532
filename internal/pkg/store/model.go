package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("record not found")
	ErrInvalidPath      = errors.New("invalid path")
	ErrSealed           = errors.New("field already set")
)

const (
	LobbyRoot   = "lobby"
	MatchesRoot = "matches"
	UsersRoot   = "users"
)

// Record is a flat field set. Put merges fields, last write wins per field,
// except for sealed fields which keep their first non-empty value.
type Record map[string]string

// sealedMatchFields are the match identity, commitments and reveals.
var sealedMatchFields = map[string]struct{}{
	"id":        {},
	"playerA":   {},
	"playerB":   {},
	"amount":    {},
	"createdAt": {},
	"window":    {},
	"commitA":   {},
	"commitAAt": {},
	"commitB":   {},
	"commitBAt": {},
	"revealA":   {},
	"revealB":   {},
}

// Update carries the full merged record at Path after a write.
type Update struct {
	Seq    uint64 `json:"seq,omitempty"`
	Path   string `json:"path"`
	Record Record `json:"record"`
}

// Store is the replicated state shared by the players.
type Store interface {
	Put(ctx context.Context, path string, fields Record) error
	Get(ctx context.Context, path string) (Record, error)
	List(ctx context.Context, prefix string) (map[string]Record, error)
	// Subscribe delivers every update to path and its descendants, in write
	// order per path, until the returned cancel func is called or ctx ends.
	Subscribe(ctx context.Context, path string, fn func(Update)) (func(), error)
}

func LobbyPath(id string) string {
	return LobbyRoot + "/" + id
}

func MatchPath(id string) string {
	return MatchesRoot + "/" + id
}

func UserPath(address string) string {
	return UsersRoot + "/" + address
}

// Base is the last path segment.
func Base(path string) string {
	idx := strings.LastIndex(path, "/")

	return path[idx+1:]
}

// Covers reports whether path is root itself or lies below it.
func Covers(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

func validPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return false
		}
	}

	return true
}

// Sealed reports whether field under path keeps its first non-empty value.
func Sealed(path, field string) bool {
	if path == MatchesRoot || !Covers(MatchesRoot, path) {
		return false
	}

	_, ok := sealedMatchFields[field]

	return ok
}

// checkSealed rejects a write that would change a sealed field of current.
// Writing the value already stored is accepted.
func checkSealed(path string, current, fields Record) error {
	for field, value := range fields {
		old := current[field]
		if old != "" && old != value && Sealed(path, field) {
			return fmt.Errorf("%w: %s in %s", ErrSealed, field, path)
		}
	}

	return nil
}

func merge(dst, src Record) Record {
	out := make(Record, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}

	for k, v := range src {
		out[k] = v
	}

	return out
}

func clone(r Record) Record {
	return merge(nil, r)
}

// Changes is the relay's watch response body.
type Changes struct {
	Head    uint64   `json:"head"`
	Updates []Update `json:"updates"`
}
