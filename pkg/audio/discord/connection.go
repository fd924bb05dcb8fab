package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	outputChannelBuffer = 64

	// speakingIdle is how long the output stream may stay empty before the
	// speaking indicator is cleared.
	speakingIdle = 250 * time.Millisecond
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Outgoing PCM frames are re-chunked into
// exact Opus frame sizes, encoded and sent to Discord.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu        sync.RWMutex
	channelID string

	output chan audio.AudioFrame

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC and changeChannel talk to the voice gateway. They default
	// to the discordgo methods and are overridden in tests.
	disconnectVC  func() error
	changeChannel func(channelID string) error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the send loop.
func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		changeChannel: func(id string) error {
			return vc.ChangeChannel(id, false, true)
		},
	}
	go c.sendLoop()
	return c
}

// GuildID returns the guild this connection belongs to.
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID returns the voice channel the connection is currently in.
func (c *Connection) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

// OutputStream returns the write-only channel for playback audio.
// Frames written here are encoded to Opus and sent to Discord.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// Move switches the voice session to channelID. The gateway round trip runs
// on its own goroutine so that ctx can bound it.
func (c *Connection) Move(ctx context.Context, channelID string) error {
	select {
	case <-c.done:
		return audio.ErrNotConnected
	default:
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.changeChannel(channelID) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return classifyError("move to channel "+channelID, err)
		}
	}

	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
	return nil
}

// Disconnect cleanly tears down the voice connection and stops the send loop.
// It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// sendLoop reads PCM AudioFrames from the output channel, extracts exact Opus
// frame-sized chunks, encodes them and sends them over the voice connection.
// The speaking indicator follows the flow of frames.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "guild_id", c.guildID, "err", err)
		return
	}

	speaking := false
	idle := time.NewTimer(speakingIdle)
	defer idle.Stop()

	warnedFormat := false
	var buf []byte

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-idle.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
			buf = buf[:0]
		case frame := <-c.output:
			if frame.SampleRate != 0 && (frame.SampleRate != opusSampleRate || frame.Channels != opusChannels) {
				if !warnedFormat {
					slog.Warn("discord: dropping frames with unexpected format",
						"guild_id", c.guildID,
						"sample_rate", frame.SampleRate,
						"channels", frame.Channels,
					)
					warnedFormat = true
				}
				continue
			}

			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			idle.Reset(speakingIdle)

			buf = append(buf, frame.Data...)
			for len(buf) >= opusFrameBytes {
				opus, eErr := enc.encode(buf[:opusFrameBytes])
				buf = buf[opusFrameBytes:]
				if eErr != nil {
					slog.Warn("discord: opus encode error", "guild_id", c.guildID, "err", eErr)
					continue
				}

				select {
				case c.vc.OpusSend <- opus:
				case <-c.done:
					return
				}
			}
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "guild_id", c.guildID, "speaking", b, "err", err)
	}
}
