// Package ffmpeg implements [playback.Device] by transcoding sources with an
// ffmpeg child process into 48 kHz stereo PCM and streaming the frames into
// a voice connection.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/encore/internal/playback"
	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/pkg/audio"
)

// Output format.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameBytes is 20 ms of s16le stereo PCM at 48 kHz.
	FrameBytes = SampleRate / 50 * Channels * 2

	bytesPerSecond = SampleRate * Channels * 2
	stderrTail     = 1024
)

// ErrIdle is returned by Pause and Resume when nothing is playing.
var ErrIdle = errors.New("ffmpeg: nothing playing")

// Compile-time interface assertion.
var _ playback.Device = (*Player)(nil)

// StartFunc launches a transcoder for args and returns its PCM output and a
// wait function reporting how the process ended.
type StartFunc func(ctx context.Context, args []string) (stdout io.ReadCloser, wait func() error, err error)

// Option configures a [Player].
type Option func(*Player)

// WithBinary sets the ffmpeg executable. Default: "ffmpeg" from PATH.
func WithBinary(path string) Option {
	return func(p *Player) { p.binary = path }
}

// WithStart replaces process creation, for tests.
func WithStart(fn StartFunc) Option {
	return func(p *Player) { p.start = fn }
}

// Args builds the ffmpeg command line for src, excluding the binary.
func Args(src source.Source) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	args = append(args, src.InputOptions...)
	args = append(args, "-i", src.Input, "-vn")
	if fg := src.FilterGraph(); fg != "" {
		args = append(args, "-af", fg)
	}
	return append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"pipe:1",
	)
}

// Player streams one source at a time into a voice connection.
//
// Player is safe for concurrent use.
type Player struct {
	conn   audio.Connection
	binary string
	start  StartFunc

	mu  sync.Mutex
	cur *run
}

// run is one Play invocation.
type run struct {
	cancel  context.CancelFunc
	resume  chan struct{} // non-nil while paused
	stopped bool
}

// New creates a Player writing to conn.
func New(conn audio.Connection, opts ...Option) *Player {
	p := &Player{conn: conn, binary: "ffmpeg"}
	for _, o := range opts {
		o(p)
	}
	if p.start == nil {
		p.start = p.execStart
	}
	return p
}

// Factory returns a [playback.DeviceFactory] producing Players with opts.
func Factory(opts ...Option) playback.DeviceFactory {
	return func(conn audio.Connection) playback.Device { return New(conn, opts...) }
}

// Play implements [playback.Device].
func (p *Player) Play(src source.Source, onComplete func(error)) error {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	stdout, wait, err := p.start(ctx, Args(src))
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg: start: %w", err)
	}

	r := &run{cancel: cancel}
	p.mu.Lock()
	p.cur = r
	p.mu.Unlock()

	go p.pump(ctx, r, src, stdout, wait, onComplete)
	return nil
}

// Pause implements [playback.Device].
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return ErrIdle
	}
	if p.cur.resume == nil {
		p.cur.resume = make(chan struct{})
	}
	return nil
}

// Resume implements [playback.Device].
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return ErrIdle
	}
	if p.cur.resume != nil {
		close(p.cur.resume)
		p.cur.resume = nil
	}
	return nil
}

// Stop implements [playback.Device].
func (p *Player) Stop() {
	p.mu.Lock()
	r := p.cur
	p.cur = nil
	if r != nil {
		r.stopped = true
		if r.resume != nil {
			close(r.resume)
			r.resume = nil
		}
	}
	p.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// pump copies PCM frames from stdout to the connection until EOF, error or
// Stop, then reports the outcome exactly once.
func (p *Player) pump(ctx context.Context, r *run, src source.Source, stdout io.ReadCloser, wait func() error, onComplete func(error)) {
	defer r.cancel()

	out := p.conn.OutputStream()
	var (
		sent    int64
		readErr error
	)
	for {
		if !p.waitResumed(ctx, r) {
			break
		}
		buf := make([]byte, FrameBytes)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			frame := audio.AudioFrame{
				Data:       buf[:n],
				SampleRate: SampleRate,
				Channels:   Channels,
				Timestamp:  time.Duration(sent) * time.Second / bytesPerSecond,
			}
			select {
			case out <- frame:
				sent += int64(n)
			case <-ctx.Done():
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	_ = stdout.Close()
	waitErr := wait()

	p.mu.Lock()
	stopped := r.stopped
	if p.cur == r {
		p.cur = nil
	}
	p.mu.Unlock()

	var result error
	switch {
	case stopped:
		result = playback.ErrStopped
	case readErr != nil:
		result = fmt.Errorf("ffmpeg: read output: %w", readErr)
	case waitErr != nil:
		result = fmt.Errorf("ffmpeg: %w", waitErr)
	}
	slog.Debug("ffmpeg: playback ended",
		"guild_id", p.conn.GuildID(),
		"title", src.Track.Title,
		"played", time.Duration(sent)*time.Second/bytesPerSecond,
		"err", result,
	)
	onComplete(result)
}

// waitResumed blocks while r is paused. It returns false when ctx ends.
func (p *Player) waitResumed(ctx context.Context, r *run) bool {
	p.mu.Lock()
	ch := r.resume
	p.mu.Unlock()
	if ch == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ch:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// execStart runs the ffmpeg binary.
func (p *Player) execStart(ctx context.Context, args []string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	wait := func() error {
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, stderr.String())
		}
		return err
	}
	return stdout, wait, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
