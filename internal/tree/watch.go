package tree

import (
	"sync"

	"github.com/google/uuid"
)

// watchBuffer is the per-subscriber channel capacity. A slow consumer
// loses events rather than blocking completion; the polling contract
// remains the source of truth.
const watchBuffer = 16

// Completion is delivered to session watchers when a node's response
// is recorded.
type Completion struct {
	SessionID uuid.UUID `json:"session_id"`
	NodeID    uuid.UUID `json:"node_id"`
	Response  string    `json:"llm_response"`
}

// watchRegistry fans completions out to per-session subscribers.
type watchRegistry struct {
	mu     sync.Mutex
	nextID int
	subs   map[uuid.UUID]map[int]chan Completion
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{subs: make(map[uuid.UUID]map[int]chan Completion)}
}

// subscribe registers a watcher for one session. The cancel function is
// idempotent and releases the subscription without closing the channel
// from the consumer side twice.
func (w *watchRegistry) subscribe(sessionID uuid.UUID) (<-chan Completion, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	ch := make(chan Completion, watchBuffer)
	if w.subs[sessionID] == nil {
		w.subs[sessionID] = make(map[int]chan Completion)
	}
	w.subs[sessionID][id] = ch

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if subs, ok := w.subs[sessionID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
				if len(subs) == 0 {
					delete(w.subs, sessionID)
				}
			}
		}
	}
	return ch, cancel
}

// notify delivers a completion to all watchers of its session without
// blocking: full subscriber buffers drop the event.
func (w *watchRegistry) notify(c Completion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs[c.SessionID] {
		select {
		case ch <- c:
		default:
		}
	}
}

// close terminates all watchers of a session, signalling deletion.
func (w *watchRegistry) close(sessionID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs[sessionID] {
		close(ch)
	}
	delete(w.subs, sessionID)
}
