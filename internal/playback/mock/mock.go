// Package mock provides a scriptable [playback.Device] for tests.
//
// Play records the source and keeps the completion callback; tests finish
// the current playback with [Device.Complete]. Stop delivers
// [playback.ErrStopped] asynchronously, the way a real device reports from
// its own goroutine.
package mock

import (
	"sync"

	"github.com/MrWong99/encore/internal/playback"
	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/pkg/audio"
)

// Device is a mock implementation of [playback.Device].
type Device struct {
	mu sync.Mutex

	// PlayErrors is consumed in order by successive Play calls; a nil entry
	// or an exhausted slice means success.
	PlayErrors []error

	// PauseErr and ResumeErr are returned by Pause and Resume.
	PauseErr  error
	ResumeErr error

	plays      []source.Source
	onComplete func(error)
	paused     bool
	stops      int
	started    chan source.Source
}

// NewDevice returns a Device whose Started channel buffers up to 64 plays.
func NewDevice() *Device {
	return &Device{started: make(chan source.Source, 64)}
}

// Factory returns a [playback.DeviceFactory] that always hands out d.
func (d *Device) Factory() playback.DeviceFactory {
	return func(audio.Connection) playback.Device { return d }
}

// Play implements [playback.Device].
func (d *Device) Play(src source.Source, onComplete func(error)) error {
	d.mu.Lock()
	if len(d.PlayErrors) > 0 {
		err := d.PlayErrors[0]
		d.PlayErrors = d.PlayErrors[1:]
		if err != nil {
			d.mu.Unlock()
			return err
		}
	}
	prev := d.onComplete
	d.plays = append(d.plays, src)
	d.onComplete = onComplete
	d.paused = false
	started := d.started
	d.mu.Unlock()

	if prev != nil {
		go prev(playback.ErrStopped)
	}
	if started != nil {
		select {
		case started <- src:
		default:
		}
	}
	return nil
}

// Pause implements [playback.Device].
func (d *Device) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PauseErr != nil {
		return d.PauseErr
	}
	d.paused = true
	return nil
}

// Resume implements [playback.Device].
func (d *Device) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ResumeErr != nil {
		return d.ResumeErr
	}
	d.paused = false
	return nil
}

// Stop implements [playback.Device].
func (d *Device) Stop() {
	d.mu.Lock()
	cb := d.onComplete
	d.onComplete = nil
	d.stops++
	d.mu.Unlock()
	if cb != nil {
		go cb(playback.ErrStopped)
	}
}

// Complete ends the current playback with err, as if the transcoder exited.
// It reports false when nothing is playing.
func (d *Device) Complete(err error) bool {
	d.mu.Lock()
	cb := d.onComplete
	d.onComplete = nil
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Callback returns the completion callback of the current playback without
// consuming it, or nil.
func (d *Device) Callback() func(error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onComplete
}

// Started delivers every successfully started source.
func (d *Device) Started() <-chan source.Source {
	return d.started
}

// Plays returns a copy of all started sources.
func (d *Device) Plays() []source.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]source.Source(nil), d.plays...)
}

// Paused reports whether the device is paused.
func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Stops returns the number of Stop calls.
func (d *Device) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

var _ playback.Device = (*Device)(nil)
