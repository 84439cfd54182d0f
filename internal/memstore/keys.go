package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/branchchat/branchd/internal/apikey"
)

// InsertKey implements apikey.Store.
func (s *Store) InsertKey(_ context.Context, key *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyKey(key)
	s.keys[key.ID] = c
	s.keyByDigest[key.Digest] = key.ID
	return nil
}

// KeysByUser implements apikey.Store, newest first.
func (s *Store) KeysByUser(_ context.Context, userID string) ([]*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []*apikey.Key{}
	for _, k := range s.keys {
		if k.UserID == userID {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID.String() < keys[j].ID.String()
	})
	return keys, nil
}

// KeyByDigest implements apikey.Store.
func (s *Store) KeyByDigest(_ context.Context, digest string) (*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keyByDigest[digest]
	if !ok {
		return nil, apikey.ErrKeyNotFound
	}
	return copyKey(s.keys[id]), nil
}

// DeactivateKey implements apikey.Store.
func (s *Store) DeactivateKey(_ context.Context, userID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok || key.UserID != userID {
		return apikey.ErrKeyNotFound
	}
	key.Active = false
	return nil
}

// TouchKey implements apikey.Store.
func (s *Store) TouchKey(_ context.Context, id uuid.UUID, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	key.LastUsedAt = &usedAt
	return nil
}

func copyKey(key *apikey.Key) *apikey.Key {
	c := *key
	if key.LastUsedAt != nil {
		t := *key.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
