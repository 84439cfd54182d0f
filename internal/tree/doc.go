// Package tree implements the conversation-tree engine behind the
// branched-chat API.
//
// A session owns a forest of nodes. Each node carries one user message
// and one model response; replying to any node inserts a child under it,
// so alternative continuations of the same conversation live side by
// side as siblings. Deleting a node removes its whole subtree.
//
// The engine separates three concerns:
//
//   - Store: flat persistence of sessions and parent-pointer node rows.
//     Implementations must serialize structural writes per session and
//     serve reads as consistent snapshots (see internal/memstore and
//     internal/postgres).
//   - Generator: asynchronous response generation. The engine schedules
//     generation after every node insert and never blocks the caller on
//     it; a node stays pending (empty llm_response) until the generator
//     completes, possibly forever.
//   - Engine: ownership checks, prompt-context assembly from the
//     ancestor path, nested tree views, and completion notifications.
//
// Ownership failures and missing records are both reported as
// ErrNotFound so callers cannot probe which session IDs exist.
package tree
