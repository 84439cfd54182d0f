package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/branchchat/branchd/internal/apikey"
)

// InsertKey implements apikey.Store.
func (s *Store) InsertKey(ctx context.Context, key *apikey.Key) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, digest, created_at, is_active)
		 VALUES ($1, $2, $3, $4, $5)`,
		toPgUUID(key.ID), key.UserID, key.Digest, key.CreatedAt, key.Active)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// KeysByUser implements apikey.Store.
func (s *Store) KeysByUser(ctx context.Context, userID string) ([]*apikey.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, digest, created_at, last_used_at, is_active
		 FROM api_keys WHERE user_id = $1
		 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	keys := []*apikey.Key{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// KeyByDigest implements apikey.Store.
func (s *Store) KeyByDigest(ctx context.Context, digest string) (*apikey.Key, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, digest, created_at, last_used_at, is_active
		 FROM api_keys WHERE digest = $1`, digest)
	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apikey.ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

// DeactivateKey implements apikey.Store.
func (s *Store) DeactivateKey(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET is_active = FALSE WHERE id = $1 AND user_id = $2`,
		toPgUUID(id), userID)
	if err != nil {
		return fmt.Errorf("deactivating api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

// TouchKey implements apikey.Store.
func (s *Store) TouchKey(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`,
		toPgUUID(id), usedAt)
	if err != nil {
		return fmt.Errorf("stamping api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}

func scanKey(row pgx.Row) (*apikey.Key, error) {
	var key apikey.Key
	var id pgtype.UUID
	var lastUsed pgtype.Timestamptz
	if err := row.Scan(&id, &key.UserID, &key.Digest, &key.CreatedAt, &lastUsed, &key.Active); err != nil {
		return nil, err
	}
	key.ID = fromPgUUID(id)
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}
