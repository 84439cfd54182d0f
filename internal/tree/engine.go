package tree

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// generateTimeout bounds a single response-generation attempt.
const generateTimeout = 2 * time.Minute

// Engine coordinates session and node operations on top of a Store and
// schedules asynchronous response generation for every inserted node.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	store  Store
	gen    Generator
	logger *slog.Logger
	watch  *watchRegistry

	// baseCtx bounds the lifetime of generation goroutines; it is the
	// context passed to New, not the per-request context, so generation
	// survives the HTTP request that triggered it.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates an Engine. ctx bounds background generation goroutines
// and should live as long as the process serves traffic. gen may be nil,
// in which case nodes are created pending and never completed (the
// accepted liveness gap: the client polls and times out).
func New(ctx context.Context, store Store, gen Generator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		gen:     gen,
		logger:  logger,
		watch:   newWatchRegistry(),
		baseCtx: ctx,
	}
}

// Wait blocks until all in-flight generation goroutines finish. Called
// during shutdown; tests use it for determinism.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreateSession creates a session with a single pending root node built
// from the user's initial message and schedules generation for it. The
// returned session already carries the nested (single-node) forest.
func (e *Engine) CreateSession(ctx context.Context, userID, initialMessage string) (*Session, error) {
	if strings.TrimSpace(initialMessage) == "" {
		return nil, ErrEmptyMessage
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     deriveTitle(initialMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := &Node{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		UserMessage: initialMessage,
		CreatedAt:   now,
	}
	if err := e.store.CreateSession(ctx, sess, root); err != nil {
		return nil, err
	}

	e.schedule(userID, sess.ID, root.ID)

	root.Children = []*Node{}
	sess.Nodes = []*Node{root}
	e.logger.Debug("created session", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// ListSessions returns the user's sessions newest-first, each with its
// nested node forest.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := e.store.SessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		sess.Nodes = BuildForest(sess.Nodes)
	}
	return sessions, nil
}

// GetSession returns one session with its nested node forest.
func (e *Engine) GetSession(ctx context.Context, userID string, sessionID uuid.UUID) (*Session, error) {
	sess, err := e.store.Session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Nodes = BuildForest(sess.Nodes)
	return sess, nil
}

// DeleteSession removes the session and all of its nodes. Watchers of
// the session are closed. Generation still in flight for any of its
// nodes becomes a no-op on completion.
func (e *Engine) DeleteSession(ctx context.Context, userID string, sessionID uuid.UUID) error {
	if err := e.store.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	e.watch.close(sessionID)
	e.logger.Debug("deleted session", "session_id", sessionID, "user_id", userID)
	return nil
}

// CreateBranch inserts a pending node under parentID and schedules
// generation using the ancestor path root→parent plus the new message.
// It returns as soon as the node is stored; the response arrives later.
func (e *Engine) CreateBranch(ctx context.Context, userID string, sessionID, parentID uuid.UUID, userMessage string) (*Node, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, ErrEmptyMessage
	}

	parent := parentID
	node := &Node{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ParentID:    &parent,
		UserMessage: userMessage,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.InsertNode(ctx, userID, node); err != nil {
		return nil, err
	}

	e.schedule(userID, sessionID, node.ID)

	node.Children = []*Node{}
	e.logger.Debug("created branch",
		"session_id", sessionID,
		"parent_id", parentID,
		"node_id", node.ID,
	)
	return node, nil
}

// DeleteBranch removes nodeID and its entire subtree atomically.
//
// When a concurrent CreateBranch targets a node inside the doomed
// subtree, deletion wins: both paths serialize on the session, so the
// insert either lands before the subtree scan (and is removed with it)
// or observes the parent as gone and fails with ErrNotFound. Deleting
// the last root is allowed and leaves an empty session.
func (e *Engine) DeleteBranch(ctx context.Context, userID string, sessionID, nodeID uuid.UUID) error {
	removed, err := e.store.DeleteSubtree(ctx, userID, sessionID, nodeID)
	if err != nil {
		return err
	}
	e.logger.Debug("deleted branch",
		"session_id", sessionID,
		"node_id", nodeID,
		"removed", removed,
	)
	return nil
}

// CompleteResponse records a generated response on a pending node.
// Safe to call more than once and after the node was deleted: late and
// duplicate completions are dropped without touching state. An empty
// response is ignored, leaving the node pending.
func (e *Engine) CompleteResponse(ctx context.Context, nodeID uuid.UUID, response string) error {
	if response == "" {
		e.logger.Warn("dropping empty generated response", "node_id", nodeID)
		return nil
	}
	sessionID, applied, err := e.store.SetResponse(ctx, nodeID, response)
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("dropping late or duplicate completion", "node_id", nodeID)
		return nil
	}
	e.watch.notify(Completion{SessionID: sessionID, NodeID: nodeID, Response: response})
	return nil
}

// Watch subscribes to response completions within a session. The
// returned cancel function must be called to release the subscription;
// the channel is closed when the session is deleted.
func (e *Engine) Watch(sessionID uuid.UUID) (<-chan Completion, func()) {
	return e.watch.subscribe(sessionID)
}

// schedule starts generation for a freshly inserted node. Fire and
// forget: errors leave the node pending and are only logged, since the
// create call has already returned to the client.
func (e *Engine) schedule(userID string, sessionID, nodeID uuid.UUID) {
	if e.gen == nil {
		e.logger.Warn("no generator configured, node stays pending", "node_id", nodeID)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.baseCtx, generateTimeout)
		defer cancel()

		path, err := e.store.NodePath(ctx, userID, sessionID, nodeID)
		if err != nil {
			// Node already deleted, or the store failed. Either way the
			// node (if it still exists) stays pending.
			e.logger.Debug("skipping generation", "node_id", nodeID, "error", err)
			return
		}

		response, err := e.gen.Generate(ctx, promptContext(path))
		if err != nil {
			e.logger.Warn("response generation failed, node stays pending",
				"node_id", nodeID, "error", err)
			return
		}
		if err := e.CompleteResponse(ctx, nodeID, response); err != nil {
			e.logger.Warn("failed to record generated response",
				"node_id", nodeID, "error", err)
		}
	}()
}

// promptContext flattens an ancestor path into an ordered conversation.
// The final path element is the node being generated, so its (pending)
// response is never included.
func promptContext(path []*Node) []Message {
	msgs := make([]Message, 0, 2*len(path))
	for _, n := range path {
		msgs = append(msgs, Message{Role: RoleUser, Content: n.UserMessage})
		if n.Response != "" {
			msgs = append(msgs, Message{Role: RoleAssistant, Content: n.Response})
		}
	}
	return msgs
}
