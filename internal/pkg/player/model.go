package player

import (
	"errors"

	"github.com/vreid/janken/internal/pkg/commitment"
)

var (
	ErrSecretNotFound = errors.New("no secret stored for match")
	ErrBucketNotFound = errors.New("bucket doesn't exist")
)

// Secret is what a player must keep until reveal. Losing it means the
// commitment can never be opened.
type Secret struct {
	Move   commitment.Move `json:"move"`
	Secret string          `json:"secret"`
}

type Secrets interface {
	Save(matchID string, secret Secret) error
	Load(matchID string) (Secret, error)
	Delete(matchID string) error
}
