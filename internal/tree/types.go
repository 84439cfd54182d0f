package tree

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is a branching conversation owned by a single user.
// Nodes holds the node forest: flat (parent pointers only) when loaded
// from a Store, nested (roots with Children populated) when returned by
// the Engine. JSON field names follow the wire contract of the
// front-end client.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Nodes     []*Node   `json:"nodes"`
}

// Node is one conversation turn: a user message and, once generation
// completes, the model response. ParentID is nil for roots. Response is
// empty while the node is pending and set exactly once afterwards.
type Node struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"chat_session_id"`
	ParentID    *uuid.UUID `json:"parent_id"`
	UserMessage string     `json:"user_message"`
	Response    string     `json:"llm_response"`
	CreatedAt   time.Time  `json:"created_at"`
	Children    []*Node    `json:"children"`
}

// Pending reports whether the node is still waiting for its response.
func (n *Node) Pending() bool {
	return n.Response == ""
}

// Message roles used in prompt contexts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single prompt-context entry handed to a Generator:
// the ancestor path of a node flattened into an ordered conversation.
type Message struct {
	Role    string
	Content string
}

// Generator produces a model response for a prompt context. Implemented
// by internal/worker; the interface lives here because the engine is
// the consumer.
type Generator interface {
	Generate(ctx context.Context, msgs []Message) (string, error)
}

// Store is the flat persistence layer beneath the Engine.
//
// Every method taking a userID must scope its lookups to that user so
// that foreign and absent records are indistinguishable (ErrNotFound
// for both). Structural writes against the same session must be
// serialized: two concurrent InsertNode calls under one parent must
// both survive, and a DeleteSubtree racing an InsertNode under the
// doomed node must either observe and remove the new child or make the
// insert fail with ErrNotFound.
type Store interface {
	// CreateSession persists a new session together with its root node.
	CreateSession(ctx context.Context, sess *Session, root *Node) error

	// SessionsByUser returns the user's sessions newest-first, each with
	// its flat node list ordered by creation time.
	SessionsByUser(ctx context.Context, userID string) ([]*Session, error)

	// Session returns one session with its flat node list.
	Session(ctx context.Context, userID string, sessionID uuid.UUID) (*Session, error)

	// DeleteSession removes the session and all of its nodes.
	DeleteSession(ctx context.Context, userID string, sessionID uuid.UUID) error

	// InsertNode adds a node under node.ParentID, which must exist in
	// node.SessionID. Fails with ErrNotFound if the session is not owned
	// by userID or the parent is missing.
	InsertNode(ctx context.Context, userID string, node *Node) error

	// DeleteSubtree removes the node and every descendant atomically,
	// returning the number of removed nodes.
	DeleteSubtree(ctx context.Context, userID string, sessionID, nodeID uuid.UUID) (int, error)

	// NodePath returns the chain root → ... → nodeID within the session.
	NodePath(ctx context.Context, userID string, sessionID, nodeID uuid.UUID) ([]*Node, error)

	// SetResponse records the response for a pending node. It reports
	// the owning session and whether the write applied; applied is false
	// (with a nil error) when the node no longer exists or its response
	// was already set.
	SetResponse(ctx context.Context, nodeID uuid.UUID, response string) (sessionID uuid.UUID, applied bool, err error)
}

// maxTitleRunes bounds titles derived from the initial message.
const maxTitleRunes = 64

// deriveTitle builds a session title from the first user message.
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
	}
	return title
}
