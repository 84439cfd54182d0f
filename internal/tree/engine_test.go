package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/branchchat/branchd/internal/log"
)

// fakeStore is a minimal in-memory Store for engine tests. One mutex
// serializes everything, which satisfies the Store contract.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	nodes    map[uuid.UUID]*Node
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]*Session),
		nodes:    make(map[uuid.UUID]*Node),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, sess *Session, root *Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := *sess
	r := *root
	f.sessions[s.ID] = &s
	f.nodes[r.ID] = &r
	return nil
}

func (f *fakeStore) SessionsByUser(_ context.Context, userID string) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*Session{}
	for _, sess := range f.sessions {
		if sess.UserID == userID {
			s := *sess
			s.Nodes = f.sessionNodes(sess.ID)
			out = append(out, &s)
		}
	}
	return out, nil
}

func (f *fakeStore) Session(_ context.Context, userID string, sessionID uuid.UUID) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrNotFound
	}
	s := *sess
	s.Nodes = f.sessionNodes(sessionID)
	return &s, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, userID string, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return ErrNotFound
	}
	delete(f.sessions, sessionID)
	for id, n := range f.nodes {
		if n.SessionID == sessionID {
			delete(f.nodes, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertNode(_ context.Context, userID string, node *Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[node.SessionID]
	if !ok || sess.UserID != userID {
		return ErrNotFound
	}
	if node.ParentID != nil {
		parent, ok := f.nodes[*node.ParentID]
		if !ok || parent.SessionID != node.SessionID {
			return ErrNotFound
		}
	}
	n := *node
	f.nodes[n.ID] = &n
	return nil
}

func (f *fakeStore) DeleteSubtree(_ context.Context, userID string, sessionID, nodeID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return 0, ErrNotFound
	}
	ids := SubtreeIDs(f.sessionNodes(sessionID), nodeID)
	if ids == nil {
		return 0, ErrNotFound
	}
	for _, id := range ids {
		delete(f.nodes, id)
	}
	return len(ids), nil
}

func (f *fakeStore) NodePath(_ context.Context, userID string, sessionID, nodeID uuid.UUID) ([]*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrNotFound
	}
	var path []*Node
	id := nodeID
	for {
		n, ok := f.nodes[id]
		if !ok || n.SessionID != sessionID {
			return nil, ErrNotFound
		}
		cp := *n
		path = append([]*Node{&cp}, path...)
		if n.ParentID == nil {
			return path, nil
		}
		id = *n.ParentID
	}
}

func (f *fakeStore) SetResponse(_ context.Context, nodeID uuid.UUID, response string) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return uuid.Nil, false, nil
	}
	if n.Response != "" {
		return n.SessionID, false, nil
	}
	n.Response = response
	return n.SessionID, true, nil
}

func (f *fakeStore) sessionNodes(sessionID uuid.UUID) []*Node {
	out := []*Node{}
	for _, n := range f.nodes {
		if n.SessionID == sessionID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// fakeGen answers prompts via fn and records every prompt context it
// receives.
type fakeGen struct {
	mu      sync.Mutex
	prompts [][]Message
	fn      func(msgs []Message) (string, error)
}

func (g *fakeGen) Generate(_ context.Context, msgs []Message) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, msgs)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(msgs)
	}
	last := msgs[len(msgs)-1]
	return "echo: " + last.Content, nil
}

func (g *fakeGen) lastPrompt() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return nil
	}
	return g.prompts[len(g.prompts)-1]
}

func newTestEngine(t *testing.T, gen Generator) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	eng := New(context.Background(), store, gen, log.NewNop())
	return eng, store
}

func TestCreateSessionEmptyMessage(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})

	for _, msg := range []string{"", "   ", "\n\t"} {
		if _, err := eng.CreateSession(context.Background(), "user-1", msg); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("CreateSession(%q) error = %v, want ErrEmptyMessage", msg, err)
		}
	}
}

func TestCreateSessionReturnsPendingRoot(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{}
	eng, _ := newTestEngine(t, gen)

	sess, err := eng.CreateSession(context.Background(), "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != "Hi" {
		t.Errorf("title = %q, want %q", sess.Title, "Hi")
	}
	if len(sess.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(sess.Nodes))
	}
	root := sess.Nodes[0]
	if !root.Pending() {
		t.Errorf("root must be returned pending, got response %q", root.Response)
	}
	if root.ParentID != nil {
		t.Errorf("root ParentID must be nil")
	}

	// After generation finishes the stored node carries the response.
	eng.Wait()
	got, err := eng.GetSession(context.Background(), "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Nodes[0].Response != "echo: Hi" {
		t.Errorf("response = %q, want %q", got.Nodes[0].Response, "echo: Hi")
	}
}

// The canonical branching flow: a root, a follow-up, and a sibling
// branch from the same parent. Both children must coexist and each
// generation sees only its own ancestor path.
func TestBranchingFromSameParent(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{}
	eng, _ := newTestEngine(t, gen)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eng.Wait()
	rootID := sess.Nodes[0].ID

	followUp, err := eng.CreateBranch(ctx, "user-1", sess.ID, rootID, "Tell me more")
	if err != nil {
		t.Fatalf("CreateBranch(follow-up): %v", err)
	}
	if !followUp.Pending() {
		t.Errorf("new branch must be returned pending")
	}
	eng.Wait()

	// The follow-up prompt must contain the full ancestor conversation
	// but not its own (still pending) response.
	prompt := gen.lastPrompt()
	want := []Message{
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "echo: Hi"},
		{Role: RoleUser, Content: "Tell me more"},
	}
	if len(prompt) != len(want) {
		t.Fatalf("prompt length = %d, want %d: %v", len(prompt), len(want), prompt)
	}
	for i := range want {
		if prompt[i] != want[i] {
			t.Errorf("prompt[%d] = %+v, want %+v", i, prompt[i], want[i])
		}
	}

	if _, err := eng.CreateBranch(ctx, "user-1", sess.ID, rootID, "Different angle"); err != nil {
		t.Fatalf("CreateBranch(sibling): %v", err)
	}
	eng.Wait()

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Nodes) != 1 {
		t.Fatalf("roots = %d, want 1", len(got.Nodes))
	}
	children := got.Nodes[0].Children
	if len(children) != 2 {
		t.Fatalf("root children = %d, want 2", len(children))
	}
	for _, child := range children {
		if child.Pending() {
			t.Errorf("child %q still pending after Wait", child.UserMessage)
		}
	}
}

func TestCreateBranchUnknownParent(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := eng.CreateBranch(ctx, "user-1", sess.ID, uuid.New(), "orphan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateBranch(unknown parent) error = %v, want ErrNotFound", err)
	}
}

func TestOwnershipScoping(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "alice", "mine")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eng.Wait()
	rootID := sess.Nodes[0].ID

	// A foreign session must be indistinguishable from an absent one.
	if _, err := eng.GetSession(ctx, "mallory", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession as other user: %v, want ErrNotFound", err)
	}
	if _, err := eng.CreateBranch(ctx, "mallory", sess.ID, rootID, "hijack"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateBranch as other user: %v, want ErrNotFound", err)
	}
	if err := eng.DeleteBranch(ctx, "mallory", sess.ID, rootID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteBranch as other user: %v, want ErrNotFound", err)
	}
	if err := eng.DeleteSession(ctx, "mallory", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteSession as other user: %v, want ErrNotFound", err)
	}

	// The owner still sees everything intact.
	got, err := eng.GetSession(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatalf("GetSession as owner: %v", err)
	}
	if len(got.Nodes) != 1 {
		t.Errorf("owner's session was modified")
	}
}

func TestDeleteBranchRemovesSubtree(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "root")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eng.Wait()
	rootID := sess.Nodes[0].ID

	child, err := eng.CreateBranch(ctx, "user-1", sess.ID, rootID, "child")
	if err != nil {
		t.Fatalf("CreateBranch(child): %v", err)
	}
	eng.Wait()
	if _, err = eng.CreateBranch(ctx, "user-1", sess.ID, child.ID, "grandchild"); err != nil {
		t.Fatalf("CreateBranch(grandchild): %v", err)
	}
	keep, err := eng.CreateBranch(ctx, "user-1", sess.ID, rootID, "keep")
	if err != nil {
		t.Fatalf("CreateBranch(keep): %v", err)
	}
	eng.Wait()

	if err := eng.DeleteBranch(ctx, "user-1", sess.ID, child.ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	children := got.Nodes[0].Children
	if len(children) != 1 || children[0].ID != keep.ID {
		t.Errorf("remaining children = %v, want only %s", children, keep.ID)
	}

	// Double delete is a clean not-found.
	if err := eng.DeleteBranch(ctx, "user-1", sess.ID, child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteBranch error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRootLeavesEmptySession(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "only root")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eng.Wait()

	if err := eng.DeleteBranch(ctx, "user-1", sess.ID, sess.Nodes[0].ID); err != nil {
		t.Fatalf("DeleteBranch(root): %v", err)
	}

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Nodes) != 0 {
		t.Errorf("session must be empty after deleting its only root, got %d nodes", len(got.Nodes))
	}
}

func TestGenerationFailureLeavesNodePending(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{fn: func([]Message) (string, error) {
		return "", errors.New("model unavailable")
	}}
	eng, _ := newTestEngine(t, gen)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession must succeed even when generation will fail: %v", err)
	}
	eng.Wait()

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.Nodes[0].Pending() {
		t.Errorf("node must stay pending after generation failure")
	}
}

func TestEmptyGeneratedResponseDropped(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{fn: func([]Message) (string, error) { return "", nil }}
	eng, _ := newTestEngine(t, gen)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eng.Wait()

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.Nodes[0].Pending() {
		t.Errorf("empty response must leave the node pending")
	}
}

func TestCompleteResponseOnce(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, nil) // nil generator: nodes stay pending
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	nodeID := sess.Nodes[0].ID

	events, cancel := eng.Watch(sess.ID)
	defer cancel()

	if err := eng.CompleteResponse(ctx, nodeID, "first"); err != nil {
		t.Fatalf("CompleteResponse: %v", err)
	}
	// Duplicate and late completions are silent no-ops.
	if err := eng.CompleteResponse(ctx, nodeID, "second"); err != nil {
		t.Fatalf("duplicate CompleteResponse: %v", err)
	}
	if err := eng.CompleteResponse(ctx, uuid.New(), "ghost"); err != nil {
		t.Fatalf("CompleteResponse for unknown node: %v", err)
	}

	got, err := eng.GetSession(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Nodes[0].Response != "first" {
		t.Errorf("response = %q, want %q (first write wins)", got.Nodes[0].Response, "first")
	}

	// Exactly one completion event was delivered.
	select {
	case c := <-events:
		if c.NodeID != nodeID || c.Response != "first" {
			t.Errorf("completion = %+v, want node %s response %q", c, nodeID, "first")
		}
	default:
		t.Fatal("expected a completion event")
	}
	select {
	case c := <-events:
		t.Errorf("unexpected second completion event: %+v", c)
	default:
	}
}

func TestDeleteSessionClosesWatchers(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "user-1", "Hi")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events, cancel := eng.Watch(sess.ID)
	defer cancel()

	if err := eng.DeleteSession(ctx, "user-1", sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, open := <-events; open {
		t.Errorf("watcher channel must be closed when the session is deleted")
	}
}

func TestListSessionsNestsForests(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeGen{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := eng.CreateSession(ctx, "user-1", fmt.Sprintf("session %d", i)); err != nil {
			t.Fatalf("CreateSession(%d): %v", i, err)
		}
	}
	if _, err := eng.CreateSession(ctx, "user-2", "not mine"); err != nil {
		t.Fatalf("CreateSession(other user): %v", err)
	}
	eng.Wait()

	sessions, err := eng.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	for _, sess := range sessions {
		if len(sess.Nodes) != 1 {
			t.Errorf("session %s roots = %d, want 1", sess.ID, len(sess.Nodes))
		}
		if sess.Nodes[0].Children == nil {
			t.Errorf("session %s root Children is nil", sess.ID)
		}
	}
}
