// Package postgres is the PostgreSQL storage backend on pgx.
//
// Structural writes (node insert, subtree delete) take the session row
// with SELECT ... FOR UPDATE, serializing mutations per session while
// leaving other sessions untouched. Subtree deletion enumerates
// descendants with a recursive CTE and removes them in the same
// transaction, so readers see either the whole subtree or none of it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchchat/branchd/internal/tree"
)

// Store implements tree.Store, apikey.Store, and usage.Store against
// PostgreSQL. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store on an existing pool. logger may be nil.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, connURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// CreateSession implements tree.Store. Session and root node are
// inserted in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess *tree.Session, root *tree.Node) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		toPgUUID(sess.ID), sess.UserID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_nodes (id, chat_session_id, parent_id, user_message, llm_response, created_at)
		 VALUES ($1, $2, NULL, $3, '', $4)`,
		toPgUUID(root.ID), toPgUUID(sess.ID), root.UserMessage, root.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting root node: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing session create: %w", err)
	}
	return nil
}

// SessionsByUser implements tree.Store. Nodes for all sessions are
// fetched in one query and grouped in memory.
func (s *Store) SessionsByUser(ctx context.Context, userID string) ([]*tree.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_sessions WHERE user_id = $1
		 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []*tree.Session{}, nil
	}

	byID := make(map[uuid.UUID]*tree.Session, len(sessions))
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}

	nodeRows, err := s.pool.Query(ctx,
		`SELECT n.id, n.chat_session_id, n.parent_id, n.user_message, n.llm_response, n.created_at
		 FROM chat_nodes n
		 JOIN chat_sessions cs ON cs.id = n.chat_session_id
		 WHERE cs.user_id = $1
		 ORDER BY n.created_at, n.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	nodes, err := scanNodes(nodeRows)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if sess, ok := byID[n.SessionID]; ok {
			sess.Nodes = append(sess.Nodes, n)
		}
	}
	return sessions, nil
}

// Session implements tree.Store.
func (s *Store) Session(ctx context.Context, userID string, sessionID uuid.UUID) (*tree.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM chat_sessions WHERE id = $1 AND user_id = $2`,
		toPgUUID(sessionID), userID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tree.ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_session_id, parent_id, user_message, llm_response, created_at
		 FROM chat_nodes WHERE chat_session_id = $1
		 ORDER BY created_at, id`, toPgUUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	sess.Nodes, err = scanNodes(rows)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession implements tree.Store. Node rows go with the session
// via ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, userID string, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`,
		toPgUUID(sessionID), userID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tree.ErrNotFound
	}
	return nil
}

// InsertNode implements tree.Store. The session row lock serializes
// this against concurrent inserts and subtree deletes; a parent removed
// by a delete that won the lock surfaces as ErrNotFound.
func (s *Store) InsertNode(ctx context.Context, userID string, node *tree.Node) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	if err := lockSession(ctx, tx, userID, node.SessionID); err != nil {
		return err
	}

	if node.ParentID == nil {
		return tree.ErrNotFound
	}
	var parentExists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_nodes WHERE id = $1 AND chat_session_id = $2)`,
		toPgUUID(*node.ParentID), toPgUUID(node.SessionID)).Scan(&parentExists)
	if err != nil {
		return fmt.Errorf("checking parent node: %w", err)
	}
	if !parentExists {
		return tree.ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_nodes (id, chat_session_id, parent_id, user_message, llm_response, created_at)
		 VALUES ($1, $2, $3, $4, '', $5)`,
		toPgUUID(node.ID), toPgUUID(node.SessionID), toPgUUID(*node.ParentID),
		node.UserMessage, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`,
		toPgUUID(node.SessionID))
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing node insert: %w", err)
	}
	return nil
}

// DeleteSubtree implements tree.Store. Descendants are enumerated with
// a recursive CTE and deleted in the same statement, all under the
// session row lock.
func (s *Store) DeleteSubtree(ctx context.Context, userID string, sessionID, nodeID uuid.UUID) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	if err := lockSession(ctx, tx, userID, sessionID); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx,
		`WITH RECURSIVE subtree AS (
		     SELECT id FROM chat_nodes WHERE id = $1 AND chat_session_id = $2
		   UNION ALL
		     SELECT n.id FROM chat_nodes n JOIN subtree st ON n.parent_id = st.id
		 )
		 DELETE FROM chat_nodes WHERE id IN (SELECT id FROM subtree)`,
		toPgUUID(nodeID), toPgUUID(sessionID))
	if err != nil {
		return 0, fmt.Errorf("deleting subtree: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, tree.ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`,
		toPgUUID(sessionID))
	if err != nil {
		return 0, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing subtree delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NodePath implements tree.Store.
func (s *Store) NodePath(ctx context.Context, userID string, sessionID, nodeID uuid.UUID) ([]*tree.Node, error) {
	var owned bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1 AND user_id = $2)`,
		toPgUUID(sessionID), userID).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("checking session ownership: %w", err)
	}
	if !owned {
		return nil, tree.ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE path AS (
		     SELECT id, chat_session_id, parent_id, user_message, llm_response, created_at, 0 AS depth
		     FROM chat_nodes WHERE id = $1 AND chat_session_id = $2
		   UNION ALL
		     SELECT n.id, n.chat_session_id, n.parent_id, n.user_message, n.llm_response, n.created_at, p.depth + 1
		     FROM chat_nodes n JOIN path p ON n.id = p.parent_id
		 )
		 SELECT id, chat_session_id, parent_id, user_message, llm_response, created_at
		 FROM path ORDER BY depth DESC`,
		toPgUUID(nodeID), toPgUUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("querying node path: %w", err)
	}
	path, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, tree.ErrNotFound
	}
	return path, nil
}

// SetResponse implements tree.Store. The llm_response = '' guard makes
// completion once-only; deleted nodes and repeat completions affect
// zero rows and report applied=false.
func (s *Store) SetResponse(ctx context.Context, nodeID uuid.UUID, response string) (uuid.UUID, bool, error) {
	var sessID pgtype.UUID
	err := s.pool.QueryRow(ctx,
		`UPDATE chat_nodes SET llm_response = $2
		 WHERE id = $1 AND llm_response = ''
		 RETURNING chat_session_id`,
		toPgUUID(nodeID), response).Scan(&sessID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("setting response: %w", err)
	}

	sessionID := fromPgUUID(sessID)
	_, err = s.pool.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessID)
	if err != nil {
		// The response is already recorded; a failed touch is not fatal.
		s.logger.Warn("failed to touch session after completion",
			"session_id", sessionID, "error", err)
	}
	return sessionID, true, nil
}

// lockSession takes the session row FOR UPDATE, verifying ownership in
// the same statement.
func lockSession(ctx context.Context, tx pgx.Tx, userID string, sessionID uuid.UUID) error {
	var id pgtype.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM chat_sessions WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		toPgUUID(sessionID), userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tree.ErrNotFound
		}
		return fmt.Errorf("locking session: %w", err)
	}
	return nil
}

// rollback is the deferred cleanup for write transactions; rolling back
// an already-committed transaction is expected and only logged.
func rollback(ctx context.Context, tx pgx.Tx, logger *slog.Logger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Debug("transaction rollback", "error", err)
	}
}

func scanSession(row pgx.Row) (*tree.Session, error) {
	var sess tree.Session
	var id pgtype.UUID
	if err := row.Scan(&id, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.ID = fromPgUUID(id)
	sess.Nodes = []*tree.Node{}
	return &sess, nil
}

func scanSessions(rows pgx.Rows) ([]*tree.Session, error) {
	defer rows.Close()
	sessions := []*tree.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanNodes(rows pgx.Rows) ([]*tree.Node, error) {
	defer rows.Close()
	nodes := []*tree.Node{}
	for rows.Next() {
		var n tree.Node
		var id, sessID, parentID pgtype.UUID
		if err := rows.Scan(&id, &sessID, &parentID, &n.UserMessage, &n.Response, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		n.ID = fromPgUUID(id)
		n.SessionID = fromPgUUID(sessID)
		if parentID.Valid {
			p := fromPgUUID(parentID)
			n.ParentID = &p
		}
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// toPgUUID converts uuid.UUID to pgtype.UUID.
func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// fromPgUUID converts pgtype.UUID to uuid.UUID.
func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
