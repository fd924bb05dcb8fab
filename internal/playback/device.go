package playback

import (
	"errors"

	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/pkg/audio"
)

// ErrStopped is passed to a completion callback when playback ended because
// [Device.Stop] was called.
var ErrStopped = errors.New("playback: stopped")

// Device plays one source at a time into a voice connection.
//
// Play starts playback and returns without waiting for it to end. onComplete
// is invoked exactly once per successful Play, from the device's own
// goroutine, with nil when the source ran to its end, [ErrStopped] after
// Stop, or the transcoder/transport error otherwise. Starting a new Play
// while one is active stops the active one first.
//
// Implementations must be safe for concurrent use.
type Device interface {
	Play(src source.Source, onComplete func(error)) error
	Pause() error
	Resume() error
	Stop()
}

// DeviceFactory creates a [Device] bound to conn.
type DeviceFactory func(conn audio.Connection) Device
