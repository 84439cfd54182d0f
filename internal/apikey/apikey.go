// Package apikey issues and verifies bearer API keys for programmatic
// access. The plaintext key is shown exactly once at generation time;
// only a SHA-256 digest is stored, so a database leak does not expose
// usable credentials. Keys are deactivated, never deleted, to keep
// usage history attributable.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix marks bearer tokens as API keys, distinguishing them from JWTs
// in the Authorization header.
const Prefix = "bk_"

// secretBytes is the entropy of the random key body (hex-encoded).
const secretBytes = 32

// Sentinel errors. Check with errors.Is().
var (
	// ErrKeyNotFound indicates the key does not exist or belongs to a
	// different user.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrInvalidKey indicates the presented key is unknown or inactive.
	ErrInvalidKey = errors.New("invalid api key")
)

// Key is a stored API key. The plaintext never appears here; Digest is
// the hex SHA-256 of the full token including the prefix.
type Key struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"-"`
	Digest     string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	Active     bool       `json:"is_active"`
}

// Store is the persistence layer for API keys, implemented by
// internal/memstore and internal/postgres.
type Store interface {
	InsertKey(ctx context.Context, key *Key) error
	KeysByUser(ctx context.Context, userID string) ([]*Key, error)
	KeyByDigest(ctx context.Context, digest string) (*Key, error)
	DeactivateKey(ctx context.Context, userID string, id uuid.UUID) error
	TouchKey(ctx context.Context, id uuid.UUID, usedAt time.Time) error
}

// Service manages key issuance, listing, deactivation, and bearer
// verification.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a Service. logger may be nil.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Generate issues a new key for the user and returns the plaintext
// token. The caller must surface it immediately; it cannot be recovered.
func (s *Service) Generate(ctx context.Context, userID string) (string, *Key, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generating key secret: %w", err)
	}
	token := Prefix + hex.EncodeToString(secret)

	key := &Key{
		ID:        uuid.New(),
		UserID:    userID,
		Digest:    digest(token),
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := s.store.InsertKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}

	s.logger.Debug("generated api key", "key_id", key.ID, "user_id", userID)
	return token, key, nil
}

// List returns the user's keys, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*Key, error) {
	return s.store.KeysByUser(ctx, userID)
}

// Deactivate permanently disables a key. Fails with ErrKeyNotFound for
// absent or foreign keys.
func (s *Service) Deactivate(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.store.DeactivateKey(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Debug("deactivated api key", "key_id", id, "user_id", userID)
	return nil
}

// Verify resolves a bearer token to its owning user and stamps the
// key's last-used time. Inactive and unknown keys fail with
// ErrInvalidKey.
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, Prefix) {
		return "", ErrInvalidKey
	}
	key, err := s.store.KeyByDigest(ctx, digest(token))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("looking up api key: %w", err)
	}
	if !key.Active {
		return "", ErrInvalidKey
	}

	if err := s.store.TouchKey(ctx, key.ID, time.Now().UTC()); err != nil {
		// Verification already succeeded; a failed stamp is not fatal.
		s.logger.Warn("failed to stamp api key use", "key_id", key.ID, "error", err)
	}
	return key.UserID, nil
}

// digest returns the hex SHA-256 of a token.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
