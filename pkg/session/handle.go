package session

import (
	"context"
	"sync"
)

// Handle is the completion handle of one submitted request.
type Handle struct {
	id       string
	identity string
	position int

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newHandle(id, identity string) *Handle {
	return &Handle{id: id, identity: identity, done: make(chan struct{})}
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Identity returns the identity the request was submitted for.
func (h *Handle) Identity() string { return h.identity }

// Position is 0 when the request started immediately, otherwise its 1-based
// position in the queue at submission time.
func (h *Handle) Position() int { return h.position }

// Done is closed when the request is resolved or rejected.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the request completes or ctx is done. Giving up on the
// wait does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// settle resolves the handle once; later calls are ignored.
func (h *Handle) settle(res Result, err error) bool {
	settled := false
	h.once.Do(func() {
		h.result = res
		h.err = err
		settled = true
		close(h.done)
	})
	return settled
}
