// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := &mock.Connection{Guild: "g1", Channel: "voice-1"}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "g1", "voice-1")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/encore/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// Guild is returned by [Connection.GuildID].
	Guild string

	// Channel is returned by [Connection.ChannelID] and updated by a
	// successful Move.
	Channel string

	// OutputStreamResult is returned by [Connection.OutputStream]. When nil a
	// buffered channel is created lazily and drained in the background so
	// writers never block.
	OutputStreamResult chan audio.AudioFrame

	// MoveErrors is consumed in order by successive Move calls; once empty,
	// Move succeeds.
	MoveErrors []error

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// MoveCalls records the channel IDs passed to Move.
	MoveCalls []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Guild
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OutputStreamResult == nil {
		ch := make(chan audio.AudioFrame, 64)
		go func() {
			for range ch {
			}
		}()
		c.OutputStreamResult = ch
	}
	return c.OutputStreamResult
}

// Move implements [audio.Connection]. Records the call and pops MoveErrors.
func (c *Connection) Move(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MoveCalls = append(c.MoveCalls, channelID)
	if len(c.MoveErrors) > 0 {
		err := c.MoveErrors[0]
		c.MoveErrors = c.MoveErrors[1:]
		if err != nil {
			return err
		}
	}
	c.Channel = channelID
	return nil
}

// Disconnect implements [audio.Connection]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// Disconnects returns the number of Disconnect calls so far.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by a successful Connect.
	// When nil a fresh *Connection bound to the requested guild and channel is
	// returned.
	ConnectResult audio.Connection

	// ConnectErrors is consumed in order by successive Connect calls; once
	// empty, ConnectError is returned.
	ConnectErrors []error

	// ConnectError is the error returned once ConnectErrors is exhausted.
	ConnectError error

	// ConnectFunc, when set, replaces all of the above.
	ConnectFunc func(ctx context.Context, guildID, channelID string) (audio.Connection, error)

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns the
// configured result.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	fn := p.ConnectFunc
	if fn == nil {
		defer p.mu.Unlock()
		if len(p.ConnectErrors) > 0 {
			err := p.ConnectErrors[0]
			p.ConnectErrors = p.ConnectErrors[1:]
			if err != nil {
				return nil, err
			}
		} else if p.ConnectError != nil {
			return nil, p.ConnectError
		}
		if p.ConnectResult != nil {
			return p.ConnectResult, nil
		}
		return &Connection{Guild: guildID, Channel: channelID}, nil
	}
	p.mu.Unlock()
	return fn(ctx, guildID, channelID)
}

// Calls returns a copy of the recorded Connect calls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}
