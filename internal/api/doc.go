// Package api exposes the conversation-tree engine over HTTP.
//
// Routes (all under /api/v1, bearer-authenticated):
//
//	GET    /sessions                                 list sessions (nested trees)
//	GET    /sessions/user/                           list alias used by the web client
//	POST   /sessions                                 create session (root node pending)
//	GET    /sessions/{id}                            get one session
//	DELETE /sessions/{id}                            delete session and all nodes
//	POST   /sessions/{id}/branches                   insert node under parent_id
//	POST   /sessions/{id}/branches/{branchId}/msgs   reply within a branch
//	DELETE /sessions/{id}/branches/{branchId}        delete node and subtree
//	GET    /sessions/{id}/events                     SSE completion stream
//	GET    /keys/                                    list API keys
//	POST   /keys/generate                            issue API key (plaintext shown once)
//	DELETE /keys/{id}                                deactivate API key
//	GET    /usage                                    per-user request report
//
// /health and /ready live outside the middleware stack. Error bodies
// are {"detail": "..."}; absent and foreign resources both return 404.
package api
