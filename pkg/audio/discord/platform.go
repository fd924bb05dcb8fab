// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Encore's PCM [audio.AudioFrame] output with Discord's Opus voice transport.
//
// The platform requires an active *discordgo.Session (owned by the bot layer).
// One Platform serves every guild the bot is in; each call to
// [Platform.Connect] joins the given voice channel and returns a [Connection]
// that encodes playback frames to Opus.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/encore/pkg/audio"
)

// closeInvalidSession is the Discord voice gateway close code sent when the
// voice session is no longer valid. It is usually transient during voice
// server congestion or right after a region change.
const closeInvalidSession = 4006

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session

	// join performs the blocking voice join. Defaults to
	// session.ChannelVoiceJoin; overridden in tests.
	join func(guildID, channelID string) (*discordgo.VoiceConnection, error)
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{
		session: session,
		join: func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
			// mute=false (we send audio), deaf=true (we never listen).
			return session.ChannelVoiceJoin(guildID, channelID, false, true)
		},
	}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. discordgo's join is not context-aware, so the join runs
// on its own goroutine; when ctx expires first any late connection is torn
// down in the background and ctx.Err() is returned.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := p.join(guildID, channelID)
		ch <- result{vc: vc, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, classifyError(fmt.Sprintf("join voice channel %q", channelID), r.err)
		}
		return newConnection(r.vc, guildID, channelID), nil
	}
}

// classifyError wraps err with [audio.ErrInvalidSession] when the voice
// gateway closed the socket with code 4006.
func classifyError(op string, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == closeInvalidSession {
		return fmt.Errorf("discord: %s: %w: %w", op, audio.ErrInvalidSession, err)
	}
	return fmt.Errorf("discord: %s: %w", op, err)
}
