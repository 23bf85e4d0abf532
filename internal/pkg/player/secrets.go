package player

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vreid/janken/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

type MemorySecrets struct {
	mu      sync.Mutex
	secrets map[string]Secret
}

func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{secrets: map[string]Secret{}}
}

func (s *MemorySecrets) Save(matchID string, secret Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[matchID] = secret

	return nil
}

func (s *MemorySecrets) Load(matchID string) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[matchID]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, matchID)
	}

	return secret, nil
}

func (s *MemorySecrets) Delete(matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, matchID)

	return nil
}

// BoltSecrets keeps secrets on disk so a restarted player can still reveal.
type BoltSecrets struct {
	DatabaseService *common.DatabaseService
}

func (s *BoltSecrets) Save(matchID string, secret Secret) error {
	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	err = s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		secrets := tx.Bucket([]byte(common.PlayerSecretsBucket))
		if secrets == nil {
			return ErrBucketNotFound
		}

		return secrets.Put([]byte(matchID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}

	return nil
}

func (s *BoltSecrets) Load(matchID string) (Secret, error) {
	var data []byte

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		secrets := tx.Bucket([]byte(common.PlayerSecretsBucket))
		if secrets == nil {
			return ErrBucketNotFound
		}

		if v := secrets.Get([]byte(matchID)); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return Secret{}, fmt.Errorf("failed to load secret: %w", err)
	}

	if data == nil {
		return Secret{}, fmt.Errorf("%w: %s", ErrSecretNotFound, matchID)
	}

	var secret Secret

	err = json.Unmarshal(data, &secret)
	if err != nil {
		return Secret{}, fmt.Errorf("failed to unmarshal secret: %w", err)
	}

	return secret, nil
}

func (s *BoltSecrets) Delete(matchID string) error {
	err := s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		secrets := tx.Bucket([]byte(common.PlayerSecretsBucket))
		if secrets == nil {
			return ErrBucketNotFound
		}

		return secrets.Delete([]byte(matchID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	return nil
}
