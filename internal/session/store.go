// Package session owns the per-guild playback state.
//
// [Store] is an explicitly constructed registry mapping guild IDs to
// [Session] values. Sessions are created only through [Store.GetOrCreate];
// lookups never create state implicitly. All mutation goes through
// [Store.Mutate], which serialises transitions per guild while allowing
// different guilds to proceed in parallel. The store performs no I/O.
package session

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned by [Store.Mutate] and [Store.View] when the guild
// has no session.
var ErrNotFound = errors.New("session: not found")

// ErrBusy is returned when a guild is in use and cannot be released.
var ErrBusy = errors.New("session: guild is busy")

// entry guards a single guild's session.
type entry struct {
	mu      sync.Mutex
	sess    Session
	evicted bool
}

// Store is a concurrency-safe registry of guild sessions.
//
// The zero value is not usable; construct with [NewStore].
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	now func() time.Time

	// onCreate is called (outside any lock) after a session is created.
	onCreate func(*Session)
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source used to stamp LastActivity.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithInitializer registers fn to fill in a freshly created session (DJ role,
// defaults) before it becomes visible. fn runs while the registry is locked
// and must not call back into the Store.
func WithInitializer(fn func(*Session)) Option {
	return func(s *Store) { s.onCreate = fn }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is a guild-scoped view of a [Store].
type Handle struct {
	store   *Store
	guildID string
}

// GuildID returns the guild the handle refers to.
func (h *Handle) GuildID() string { return h.guildID }

// Mutate applies fn to the guild's session. See [Store.Mutate].
func (h *Handle) Mutate(fn func(*Session) error) error {
	return h.store.Mutate(h.guildID, fn)
}

// View passes a copy of the guild's session to fn. See [Store.View].
func (h *Handle) View(fn func(Session)) error {
	return h.store.View(h.guildID, fn)
}

// GetOrCreate returns a handle to the guild's session, creating the session
// if it does not exist yet. It never fails and is idempotent.
func (s *Store) GetOrCreate(guildID string) *Handle {
	s.mu.RLock()
	_, ok := s.sessions[guildID]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if _, ok = s.sessions[guildID]; !ok {
			e := &entry{sess: Session{GuildID: guildID, LastActivity: s.now()}}
			if s.onCreate != nil {
				s.onCreate(&e.sess)
			}
			s.sessions[guildID] = e
		}
		s.mu.Unlock()
	}
	return &Handle{store: s, guildID: guildID}
}

// lookup returns the live entry for guildID, locked. The caller must unlock.
func (s *Store) lookup(guildID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[guildID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// Mutate applies fn to the guild's session under the guild's exclusive lock.
// Mutations of one guild are strictly serialised; different guilds proceed
// concurrently. LastActivity is refreshed when fn returns nil.
//
// fn must not block on I/O and must not call back into the Store.
// Returns [ErrNotFound] if the guild has no session, otherwise fn's error.
func (s *Store) Mutate(guildID string, fn func(*Session) error) error {
	e, err := s.lookup(guildID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := fn(&e.sess); err != nil {
		return err
	}
	e.sess.Touch(s.now())
	return nil
}

// View passes a copy of the guild's session to fn. The copy's queue may be
// retained by fn.
func (s *Store) View(guildID string, fn func(Session)) error {
	e, err := s.lookup(guildID)
	if err != nil {
		return err
	}
	c := e.sess.clone()
	e.mu.Unlock()
	fn(c)
	return nil
}

// Evict removes the guild's session if it is garbage (no voice handle and an
// empty queue). It reports whether the session was removed; a missing session
// also returns false.
func (s *Store) Evict(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[guildID]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.Garbage() {
		return false
	}
	e.evicted = true
	delete(s.sessions, guildID)
	return true
}

// Guilds returns the IDs of all guilds with a session, sorted.
func (s *Store) Guilds() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
