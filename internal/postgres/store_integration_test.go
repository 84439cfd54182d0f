//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/branchchat/branchd/internal/apikey"
	"github.com/branchchat/branchd/internal/log"
	"github.com/branchchat/branchd/internal/testutil"
	"github.com/branchchat/branchd/internal/tree"
	"github.com/branchchat/branchd/internal/usage"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return New(db.Pool, log.NewNop())
}

func newSession(userID, title string) (*tree.Session, *tree.Node) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &tree.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := &tree.Node{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		UserMessage: title,
		CreatedAt:   now,
	}
	return sess, root
}

func newChild(sessionID, parentID uuid.UUID, msg string) *tree.Node {
	return &tree.Node{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ParentID:    &parentID,
		UserMessage: msg,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestSessionCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, root := newSession("alice", "Hi")
	require.NoError(t, store.CreateSession(ctx, sess, root))

	got, err := store.Session(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, "Hi", got.Title)
	require.Len(t, got.Nodes, 1)
	require.Equal(t, root.ID, got.Nodes[0].ID)
	require.Nil(t, got.Nodes[0].ParentID)
	require.True(t, got.Nodes[0].Pending())

	// Foreign and absent sessions are indistinguishable.
	_, err = store.Session(ctx, "mallory", sess.ID)
	require.ErrorIs(t, err, tree.ErrNotFound)
	_, err = store.Session(ctx, "alice", uuid.New())
	require.ErrorIs(t, err, tree.ErrNotFound)

	require.NoError(t, store.DeleteSession(ctx, "alice", sess.ID))
	_, err = store.Session(ctx, "alice", sess.ID)
	require.ErrorIs(t, err, tree.ErrNotFound)
	require.ErrorIs(t, store.DeleteSession(ctx, "alice", sess.ID), tree.ErrNotFound)
}

func TestSessionsByUserOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, firstRoot := newSession("alice", "first")
	require.NoError(t, store.CreateSession(ctx, first, firstRoot))

	second, secondRoot := newSession("alice", "second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, store.CreateSession(ctx, second, secondRoot))

	other, otherRoot := newSession("bob", "not mine")
	require.NoError(t, store.CreateSession(ctx, other, otherRoot))

	sessions, err := store.SessionsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "second", sessions[0].Title)
	require.Equal(t, "first", sessions[1].Title)
	require.Len(t, sessions[0].Nodes, 1)

	empty, err := store.SessionsByUser(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestInsertNodeAndSubtreeDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, root := newSession("alice", "Hi")
	require.NoError(t, store.CreateSession(ctx, sess, root))

	child := newChild(sess.ID, root.ID, "Tell me more")
	require.NoError(t, store.InsertNode(ctx, "alice", child))
	grand := newChild(sess.ID, child.ID, "And then?")
	require.NoError(t, store.InsertNode(ctx, "alice", grand))
	sibling := newChild(sess.ID, root.ID, "Different angle")
	require.NoError(t, store.InsertNode(ctx, "alice", sibling))

	// Parent must exist in the same session.
	orphan := newChild(sess.ID, uuid.New(), "orphan")
	require.ErrorIs(t, store.InsertNode(ctx, "alice", orphan), tree.ErrNotFound)

	// Ownership is enforced before structure.
	foreign := newChild(sess.ID, root.ID, "hijack")
	require.ErrorIs(t, store.InsertNode(ctx, "mallory", foreign), tree.ErrNotFound)

	removed, err := store.DeleteSubtree(ctx, "alice", sess.ID, child.ID)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	got, err := store.Session(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	for _, n := range got.Nodes {
		require.NotEqual(t, child.ID, n.ID)
		require.NotEqual(t, grand.ID, n.ID)
	}

	_, err = store.DeleteSubtree(ctx, "alice", sess.ID, child.ID)
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func TestNodePath(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, root := newSession("alice", "Hi")
	require.NoError(t, store.CreateSession(ctx, sess, root))
	child := newChild(sess.ID, root.ID, "Tell me more")
	require.NoError(t, store.InsertNode(ctx, "alice", child))
	grand := newChild(sess.ID, child.ID, "And then?")
	require.NoError(t, store.InsertNode(ctx, "alice", grand))

	path, err := store.NodePath(ctx, "alice", sess.ID, grand.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	require.Equal(t, root.ID, path[0].ID)
	require.Equal(t, child.ID, path[1].ID)
	require.Equal(t, grand.ID, path[2].ID)

	_, err = store.NodePath(ctx, "alice", sess.ID, uuid.New())
	require.ErrorIs(t, err, tree.ErrNotFound)
	_, err = store.NodePath(ctx, "mallory", sess.ID, grand.ID)
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func TestSetResponseOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, root := newSession("alice", "Hi")
	require.NoError(t, store.CreateSession(ctx, sess, root))

	sessID, applied, err := store.SetResponse(ctx, root.ID, "first")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, sess.ID, sessID)

	// Repeat completions and unknown nodes are silent no-ops.
	_, applied, err = store.SetResponse(ctx, root.ID, "second")
	require.NoError(t, err)
	require.False(t, applied)
	_, applied, err = store.SetResponse(ctx, uuid.New(), "ghost")
	require.NoError(t, err)
	require.False(t, applied)

	got, err := store.Session(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Nodes[0].Response)
}

func TestConcurrentSiblingInserts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess, root := newSession("alice", "Hi")
	require.NoError(t, store.CreateSession(ctx, sess, root))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.InsertNode(ctx, "alice", newChild(sess.ID, root.ID, "branch"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	got, err := store.Session(ctx, "alice", sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, workers+1)
}

func TestAPIKeyStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &apikey.Key{
		ID:        uuid.New(),
		UserID:    "alice",
		Digest:    "digest-1",
		CreatedAt: now,
		Active:    true,
	}
	require.NoError(t, store.InsertKey(ctx, key))

	got, err := store.KeyByDigest(ctx, "digest-1")
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)
	require.True(t, got.Active)
	require.Nil(t, got.LastUsedAt)

	_, err = store.KeyByDigest(ctx, "no-such-digest")
	require.ErrorIs(t, err, apikey.ErrKeyNotFound)

	used := now.Add(time.Minute)
	require.NoError(t, store.TouchKey(ctx, key.ID, used))
	got, err = store.KeyByDigest(ctx, "digest-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	require.WithinDuration(t, used, *got.LastUsedAt, time.Second)

	// Only the owner can deactivate.
	require.ErrorIs(t, store.DeactivateKey(ctx, "mallory", key.ID), apikey.ErrKeyNotFound)
	require.NoError(t, store.DeactivateKey(ctx, "alice", key.ID))

	keys, err := store.KeysByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.False(t, keys[0].Active)
}

func TestUsageStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	records := []usage.Record{
		{UserID: "alice", Endpoint: "/api/v1/sessions", Method: "GET", At: day.Add(2 * time.Hour)},
		{UserID: "alice", Endpoint: "/api/v1/sessions", Method: "GET", At: day.Add(3 * time.Hour)},
		{UserID: "alice", Endpoint: "/api/v1/sessions", Method: "POST", At: day.Add(4 * time.Hour)},
		{UserID: "alice", Endpoint: "/api/v1/usage", Method: "GET", At: day.AddDate(0, 0, 1)},
		{UserID: "bob", Endpoint: "/api/v1/sessions", Method: "GET", At: day.Add(time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, store.RecordUsage(ctx, rec))
	}

	// [start, end) window: the next-day record is excluded.
	counts, err := store.UsageCounts(ctx, "alice", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, map[string]map[string]int{
		"/api/v1/sessions": {"GET": 2, "POST": 1},
	}, counts)

	counts, err = store.UsageCounts(ctx, "alice", day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, counts, 2)

	counts, err = store.UsageCounts(ctx, "nobody", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Empty(t, counts)
}
