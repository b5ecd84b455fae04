package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentd/pkg/stream"
)

// pending is a request waiting behind a busy identity.
type pending struct {
	id         string
	ctx        context.Context
	message    string
	events     chan<- stream.Event
	handle     *Handle
	enqueuedAt time.Time
	opts       SubmitOptions

	// set by armLocked when the request becomes the running one
	runCtx context.Context
	cancel context.CancelFunc
}

// Session is the scheduling record of one identity. All fields are guarded
// by mu.
type Session struct {
	identity string

	mu          sync.Mutex
	token       string
	tokenLoaded bool
	busy        bool
	queue       []*pending
	generation  uint64
	cancelRun   context.CancelFunc
	createdAt   time.Time
	lastActive  time.Time

	// deleted marks a record removed by Delete while an execution was in
	// flight. It stays in the store so a new Submit still waits for that
	// execution.
	deleted bool

	// removed is set once the record has left the store. A holder of a
	// stale pointer must look the identity up again.
	removed bool
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Identity:    s.identity,
		Busy:        s.busy,
		QueueLength: len(s.queue),
		HasToken:    s.token != "",
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
	}
}

// Store holds session records by identity.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// validateIdentity rejects identities that cannot be used as keys.
func validateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrInvalidIdentity
	}
	if strings.Contains(identity, "\x00") {
		return ErrInvalidIdentity
	}
	return nil
}

// acquire returns the locked record for identity, creating it if absent.
func (st *Store) acquire(identity string) *Session {
	for {
		st.mu.RLock()
		s, ok := st.sessions[identity]
		st.mu.RUnlock()

		if !ok {
			st.mu.Lock()
			s, ok = st.sessions[identity]
			if !ok {
				now := time.Now()
				s = &Session{identity: identity, createdAt: now, lastActive: now}
				st.sessions[identity] = s
			}
			st.mu.Unlock()
		}

		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// get returns the visible record for identity, or nil.
func (st *Store) get(identity string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[identity]
	if !ok {
		return nil
	}
	return s
}

// remove drops identity. When the record is busy it is kept as a hidden
// tombstone instead. The caller must not hold any session lock.
func (st *Store) remove(identity string, fn func(s *Session)) (existed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[identity]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return false
	}
	fn(s)
	if s.busy {
		s.deleted = true
	} else {
		s.removed = true
		delete(st.sessions, identity)
	}
	return true
}

// reap removes a tombstone once its execution finished and nothing new was
// queued on it.
func (st *Store) reap(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || !s.deleted || s.busy || len(s.queue) > 0 {
		return
	}
	s.removed = true
	if st.sessions[s.identity] == s {
		delete(st.sessions, s.identity)
	}
}

// evictIdle removes idle records last active before cutoff and returns their
// identities.
func (st *Store) evictIdle(cutoff time.Time) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var evicted []string
	for identity, s := range st.sessions {
		s.mu.Lock()
		if !s.busy && len(s.queue) == 0 && s.lastActive.Before(cutoff) {
			s.removed = true
			delete(st.sessions, identity)
			evicted = append(evicted, identity)
		}
		s.mu.Unlock()
	}
	sort.Strings(evicted)
	return evicted
}

// snapshot lists visible records ordered by identity.
func (st *Store) snapshot() []SessionInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]SessionInfo, 0, len(st.sessions))
	for _, s := range st.sessions {
		s.mu.Lock()
		if !s.deleted {
			out = append(out, s.info())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len returns the number of visible records.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, s := range st.sessions {
		s.mu.Lock()
		if !s.deleted {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
