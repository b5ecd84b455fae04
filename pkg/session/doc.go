// Package session serializes agent executions per identity.
//
// Invariants:
// - At most one execution is in flight per identity; identities run in parallel.
// - Requests for one identity start in submission order.
// - Every terminal outcome frees the identity and starts the next queued request.
// - A resume token is cleared only by Reset or Delete.
//
// Usage:
//
//	sched := session.NewScheduler(runner, session.Config{Tokens: tokens})
//	h, _ := sched.Submit(ctx, "alice", "hello", session.SubmitOptions{})
//	res, _ := h.Wait(ctx)
//	_ = res.Text
package session
