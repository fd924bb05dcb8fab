package voice

import (
	"fmt"
	"time"
)

// StatusKind is the coarse connection state of a guild.
type StatusKind int

const (
	// Disconnected means no connection is held and none is being attempted.
	Disconnected StatusKind = iota

	// Connecting means an acquisition is in flight.
	Connecting

	// Connected means a voice connection is held.
	Connected
)

// String returns the state name.
func (k StatusKind) String() string {
	switch k {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is a read-only snapshot of a guild's voice connection.
type Status struct {
	Kind StatusKind

	// ChannelID is the connected channel (Connected) or the target channel
	// (Connecting).
	ChannelID string

	// Attempt is the current attempt number while Connecting.
	Attempt int

	// MaxAttempts is the attempt budget while Connecting.
	MaxAttempts int

	// EstimatedWait is a worst-case estimate of how long until the
	// acquisition resolves, while Connecting.
	EstimatedWait time.Duration
}

// String renders the status for chat output.
func (s Status) String() string {
	switch s.Kind {
	case Connected:
		return "connected"
	case Connecting:
		return fmt.Sprintf("connecting (attempt %d/%d, est. wait %s)",
			s.Attempt, s.MaxAttempts, s.EstimatedWait.Round(time.Second))
	default:
		return "disconnected"
	}
}
