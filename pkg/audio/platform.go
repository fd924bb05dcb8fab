// Package audio defines the interfaces and types for voice transport
// connectivity within Encore.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel in a guild and returns a [Connection].
//   - [Connection] is an active voice session in that guild, accepting PCM
//     output frames and able to move between channels without reconnecting.
//
// Implementations are provided by platform-specific adapter packages
// (e.g., audio/discord). The interfaces are intentionally narrow to keep the
// playback engine decoupled from provider details.
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
	"errors"
)

// ErrInvalidSession is returned (wrapped) by [Platform.Connect] and
// [Connection.Move] when the voice server rejected the session handshake as
// invalid. For Discord this is websocket close code 4006. Callers may treat it
// as transient and retry with backoff.
var ErrInvalidSession = errors.New("audio: voice session invalidated")

// ErrNotConnected is returned by [Connection.Move] after Disconnect.
var ErrNotConnected = errors.New("audio: connection closed")

// Connection represents an active voice session in a single guild.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the guild this connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel the connection is currently in.
	ChannelID() string

	// OutputStream returns the write-only channel for PCM playback.
	// Frames written here are encoded and sent to the voice channel.
	// The channel is buffered; writes block while the transport is busy,
	// which paces the producer at real time.
	//
	// Ownership: the platform does NOT close this channel on Disconnect.
	// Nothing drains it after Disconnect, so once the buffer is full further
	// sends block forever. Writers must select on their own cancellation
	// alongside every send.
	OutputStream() chan<- AudioFrame

	// Move switches the session to channelID within the same guild. ctx
	// bounds the wait for the voice server to accept the move.
	Move(ctx context.Context, channelID string) error

	// Disconnect tears down the connection. It is safe to call Disconnect more
	// than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
// Implementations wrap provider-specific SDKs and expose a uniform
// [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID in guildID and
	// returns an active [Connection]. ctx governs the connection attempt only;
	// once connected, the Connection remains alive until
	// [Connection.Disconnect] is called.
	//
	// Returns an error wrapping [ErrInvalidSession] when the handshake was
	// invalidated, ctx.Err() when ctx expired first, and any other error for
	// permanent failures (missing permissions, unknown channel, …).
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
