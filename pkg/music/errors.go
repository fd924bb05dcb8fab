package music

import (
	"errors"
	"fmt"
	"time"
)

// ResolutionReason classifies a [ResolutionError].
type ResolutionReason int

const (
	// ResolutionUpstream is any failure reported by the upstream service.
	ResolutionUpstream ResolutionReason = iota

	// ResolutionNoResults means the query matched nothing playable.
	ResolutionNoResults

	// ResolutionTimeout means the resolver gave up waiting.
	ResolutionTimeout
)

// String returns the reason name.
func (r ResolutionReason) String() string {
	switch r {
	case ResolutionNoResults:
		return "no results"
	case ResolutionTimeout:
		return "timeout"
	default:
		return "upstream failure"
	}
}

// ResolutionError is returned when a query cannot be turned into a track.
type ResolutionError struct {
	Query  string
	Reason ResolutionReason
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %s: %v", e.Query, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %q: %s", e.Query, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// SourceUnavailableError is returned when neither a cached local copy nor a
// remote stream URL could be obtained for a track.
type SourceUnavailableError struct {
	URL string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no playable source for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("no playable source for %s", e.URL)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// PlaybackError is a device-level failure for one track attempt. Silent is
// set when the device reported success but the playback was implausibly
// short for the track's declared duration.
type PlaybackError struct {
	Track   Track
	Silent  bool
	Elapsed time.Duration
	Err     error
}

func (e *PlaybackError) Error() string {
	if e.Silent {
		return fmt.Sprintf("playback of %q ended after %s (declared %s)",
			e.Track.Title, e.Elapsed.Round(time.Millisecond), FormatDuration(e.Track.Duration))
	}
	return fmt.Sprintf("playback of %q failed: %v", e.Track.Title, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// ConnectionErrorKind distinguishes retryable from terminal voice failures.
type ConnectionErrorKind int

const (
	// ConnectionRetryable failures may succeed on a later attempt.
	ConnectionRetryable ConnectionErrorKind = iota

	// ConnectionTerminal failures must be reported to the user.
	ConnectionTerminal
)

// String returns the kind name.
func (k ConnectionErrorKind) String() string {
	if k == ConnectionTerminal {
		return "terminal"
	}
	return "retryable"
}

// ConnectionError is a voice transport acquisition failure.
type ConnectionError struct {
	Kind     ConnectionErrorKind
	GuildID  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("voice connection for guild %s failed (%s, %d attempts): %v",
		e.GuildID, e.Kind, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueueFullError is returned when an enqueue would exceed the guild's
// configured queue bound. The queue is left unchanged.
type QueueFullError struct {
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue is full (limit %d)", e.Limit)
}

// IsTerminalConnection reports whether err is a terminal [ConnectionError].
func IsTerminalConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == ConnectionTerminal
}

// Summary returns a short user-facing description of err suitable for chat
// notifications.
func Summary(err error) string {
	var (
		re *ResolutionError
		se *SourceUnavailableError
		pe *PlaybackError
		ce *ConnectionError
		qe *QueueFullError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &qe):
		return qe.Error()
	case errors.As(err, &pe) && pe.Silent:
		return "playback stopped almost immediately"
	case errors.As(err, &pe):
		return "playback failed"
	case errors.As(err, &se):
		return "no playable source"
	case errors.As(err, &re):
		return re.Reason.String()
	case errors.As(err, &ce):
		return "voice connection failed"
	default:
		return err.Error()
	}
}
