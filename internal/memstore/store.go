// Package memstore is the in-memory storage backend: an arena of flat
// node records indexed by ID with parent pointers and a derived
// node→session index. It backs tests and the storage=memory dev mode.
//
// A single store-wide RWMutex serializes structural writes, which is a
// stronger guarantee than the per-session serialization the engine
// requires, and lets every read hand out a consistent snapshot. All
// returned sessions and nodes are deep copies; callers never alias
// internal state.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchchat/branchd/internal/apikey"
	"github.com/branchchat/branchd/internal/tree"
	"github.com/branchchat/branchd/internal/usage"
)

// sessionRecord holds one session and its flat node arena.
type sessionRecord struct {
	sess  tree.Session
	nodes map[uuid.UUID]*tree.Node
}

// Store implements tree.Store, apikey.Store, and usage.Store in memory.
type Store struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]*sessionRecord
	nodeSession map[uuid.UUID]uuid.UUID

	keys        map[uuid.UUID]*apikey.Key
	keyByDigest map[string]uuid.UUID

	usage []usage.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[uuid.UUID]*sessionRecord),
		nodeSession: make(map[uuid.UUID]uuid.UUID),
		keys:        make(map[uuid.UUID]*apikey.Key),
		keyByDigest: make(map[string]uuid.UUID),
	}
}

// CreateSession implements tree.Store.
func (s *Store) CreateSession(_ context.Context, sess *tree.Session, root *tree.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &sessionRecord{
		sess:  copySession(sess),
		nodes: map[uuid.UUID]*tree.Node{root.ID: copyNode(root)},
	}
	s.sessions[sess.ID] = rec
	s.nodeSession[root.ID] = sess.ID
	return nil
}

// SessionsByUser implements tree.Store. Sessions come back newest-first
// with flat node lists ordered by creation time.
func (s *Store) SessionsByUser(_ context.Context, userID string) ([]*tree.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := []*tree.Session{}
	for _, rec := range s.sessions {
		if rec.sess.UserID != userID {
			continue
		}
		sessions = append(sessions, rec.snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID.String() < sessions[j].ID.String()
	})
	return sessions, nil
}

// Session implements tree.Store.
func (s *Store) Session(_ context.Context, userID string, sessionID uuid.UUID) (*tree.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return nil, tree.ErrNotFound
	}
	return rec.snapshot(), nil
}

// DeleteSession implements tree.Store.
func (s *Store) DeleteSession(_ context.Context, userID string, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return tree.ErrNotFound
	}
	for id := range rec.nodes {
		delete(s.nodeSession, id)
	}
	delete(s.sessions, sessionID)
	return nil
}

// InsertNode implements tree.Store. The parent must already exist in
// the same session; an insert racing a subtree delete that removed the
// parent fails here with ErrNotFound (deletion wins).
func (s *Store) InsertNode(_ context.Context, userID string, node *tree.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.owned(userID, node.SessionID)
	if !ok {
		return tree.ErrNotFound
	}
	if node.ParentID == nil {
		return tree.ErrNotFound
	}
	if _, ok := rec.nodes[*node.ParentID]; !ok {
		return tree.ErrNotFound
	}

	rec.nodes[node.ID] = copyNode(node)
	s.nodeSession[node.ID] = node.SessionID
	rec.sess.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSubtree implements tree.Store. The reachability scan and the
// removal happen under one write lock, so readers never observe a
// half-applied delete.
func (s *Store) DeleteSubtree(_ context.Context, userID string, sessionID, nodeID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return 0, tree.ErrNotFound
	}
	ids := tree.SubtreeIDs(rec.flat(), nodeID)
	if len(ids) == 0 {
		return 0, tree.ErrNotFound
	}
	for _, id := range ids {
		delete(rec.nodes, id)
		delete(s.nodeSession, id)
	}
	rec.sess.UpdatedAt = time.Now().UTC()
	return len(ids), nil
}

// NodePath implements tree.Store.
func (s *Store) NodePath(_ context.Context, userID string, sessionID, nodeID uuid.UUID) ([]*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.owned(userID, sessionID)
	if !ok {
		return nil, tree.ErrNotFound
	}

	path := []*tree.Node{}
	id := nodeID
	for {
		node, ok := rec.nodes[id]
		if !ok {
			if len(path) == 0 {
				return nil, tree.ErrNotFound
			}
			break
		}
		path = append(path, copyNode(node))
		if node.ParentID == nil {
			break
		}
		id = *node.ParentID
	}

	// Collected leaf-first; reverse to root→node order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// SetResponse implements tree.Store. Applies at most once per node and
// reports false for deleted nodes and repeat completions.
func (s *Store) SetResponse(_ context.Context, nodeID uuid.UUID, response string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.nodeSession[nodeID]
	if !ok {
		return uuid.Nil, false, nil
	}
	rec := s.sessions[sessionID]
	node := rec.nodes[nodeID]
	if node.Response != "" {
		return sessionID, false, nil
	}
	node.Response = response
	rec.sess.UpdatedAt = time.Now().UTC()
	return sessionID, true, nil
}

// owned resolves a session record only when it belongs to userID.
// Callers must hold s.mu.
func (s *Store) owned(userID string, sessionID uuid.UUID) (*sessionRecord, bool) {
	rec, ok := s.sessions[sessionID]
	if !ok || rec.sess.UserID != userID {
		return nil, false
	}
	return rec, true
}

// snapshot returns a deep copy of the session with its flat node list
// ordered by creation time.
func (r *sessionRecord) snapshot() *tree.Session {
	sess := copySession(&r.sess)
	nodes := r.flat()
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID.String() < nodes[j].ID.String()
	})
	sess.Nodes = nodes
	return &sess
}

// flat returns deep copies of all node records.
func (r *sessionRecord) flat() []*tree.Node {
	nodes := make([]*tree.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, copyNode(n))
	}
	return nodes
}

func copySession(sess *tree.Session) tree.Session {
	c := *sess
	c.Nodes = nil
	return c
}

func copyNode(node *tree.Node) *tree.Node {
	c := *node
	if node.ParentID != nil {
		p := *node.ParentID
		c.ParentID = &p
	}
	c.Children = nil
	return &c
}
