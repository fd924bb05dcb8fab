package session

import (
	"math/rand/v2"
	"time"

	"github.com/MrWong99/encore/pkg/audio"
	"github.com/MrWong99/encore/pkg/music"
)

// State is the playback state of a guild.
type State int

const (
	// StateIdle means nothing is playing; the voice connection may still be held.
	StateIdle State = iota

	// StatePlaying means a track is being streamed.
	StatePlaying

	// StatePaused means a track is loaded but output is suspended.
	StatePaused

	// StateAdvancing means the guild is between tracks: classifying a
	// completion, waiting out a retry delay, or preparing the next source.
	StateAdvancing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateAdvancing:
		return "advancing"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds a track that must not be reaped.
func (s State) Active() bool {
	return s == StatePlaying || s == StatePaused || s == StateAdvancing
}

// RetryState tracks retries of the current track attempt. It is reset
// whenever a new track begins.
type RetryState struct {
	Count     int
	LastError error
}

// Session is the mutable per-guild state. Sessions are only ever touched
// through [Store.Mutate] and [Store.View], which serialise access per guild.
type Session struct {
	GuildID string

	// Queue holds the upcoming tracks in FIFO order. The now-playing track
	// is not part of the queue.
	Queue []music.Track

	// NowPlaying is nil when nothing is loaded.
	NowPlaying *music.NowPlaying

	LoopMode music.LoopMode

	// LastActivity is refreshed by every state transition and is what the
	// idle reaper measures against.
	LastActivity time.Time

	// Voice is the owned voice transport handle, nil when disconnected.
	Voice audio.Connection

	// DJRoleID is cached from the settings collaborator on creation.
	DJRoleID string

	// TextChannelID is where notifications for this guild are sent.
	TextChannelID string

	State State

	// Generation is bumped by every explicit stop or skip. Completion
	// signals carry the generation they were issued under and are discarded
	// when it no longer matches.
	Generation uint64

	Retry RetryState
}

// clone returns a copy of s whose queue can be retained by the caller.
func (s *Session) clone() Session {
	c := *s
	c.Queue = append([]music.Track(nil), s.Queue...)
	if s.NowPlaying != nil {
		np := *s.NowPlaying
		c.NowPlaying = &np
	}
	return c
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// Enqueue appends t unless the queue already holds limit tracks, in which
// case a *[music.QueueFullError] is returned and the queue is unchanged.
// A limit of zero or less means unbounded.
func (s *Session) Enqueue(t music.Track, limit int) error {
	if limit > 0 && len(s.Queue) >= limit {
		return &music.QueueFullError{Limit: limit}
	}
	s.Queue = append(s.Queue, t)
	return nil
}

// PopFront removes and returns the head of the queue.
func (s *Session) PopFront() (music.Track, bool) {
	if len(s.Queue) == 0 {
		return music.Track{}, false
	}
	t := s.Queue[0]
	s.Queue[0] = music.Track{}
	s.Queue = s.Queue[1:]
	return t, true
}

// Shuffle randomises the queue order using r. A nil r uses the global source.
func (s *Session) Shuffle(r *rand.Rand) {
	swap := func(i, j int) { s.Queue[i], s.Queue[j] = s.Queue[j], s.Queue[i] }
	if r == nil {
		rand.Shuffle(len(s.Queue), swap)
		return
	}
	r.Shuffle(len(s.Queue), swap)
}

// Remove deletes the track at zero-based index i.
func (s *Session) Remove(i int) (music.Track, bool) {
	if i < 0 || i >= len(s.Queue) {
		return music.Track{}, false
	}
	t := s.Queue[i]
	s.Queue = append(s.Queue[:i], s.Queue[i+1:]...)
	return t, true
}

// Move relocates the track at zero-based index from to index to.
func (s *Session) Move(from, to int) bool {
	n := len(s.Queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		return false
	}
	if from == to {
		return true
	}
	t := s.Queue[from]
	s.Queue = append(s.Queue[:from], s.Queue[from+1:]...)
	s.Queue = append(s.Queue[:to], append([]music.Track{t}, s.Queue[to:]...)...)
	return true
}

// Clear empties the queue and returns how many tracks were removed.
func (s *Session) Clear() int {
	n := len(s.Queue)
	s.Queue = nil
	return n
}

// Garbage reports whether the session can be evicted: no voice handle and
// an empty queue.
func (s *Session) Garbage() bool {
	return s.Voice == nil && len(s.Queue) == 0
}
