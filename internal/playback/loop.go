package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/pkg/audio"
	"github.com/MrWong99/encore/pkg/music"
)

var (
	// errSuperseded means the session generation moved on (stop, skip,
	// disconnect) while the loop was working on the old one.
	errSuperseded = errors.New("playback: superseded")

	errNoVoice = errors.New("playback: no voice connection")
)

type eventKind int

const (
	evStart eventKind = iota
	evComplete
	evSkip
	evCall
)

type event struct {
	kind eventKind

	// evComplete
	gen uint64
	err error
	at  time.Time

	// evCall
	fn    func() error
	reply chan error
}

type outcomeKind int

const (
	outcomeStart outcomeKind = iota
	outcomeFinished
	outcomeFailed
	outcomeSkipped
)

// outcome is what ended (or is about to replace) the current track.
type outcome struct {
	kind  outcomeKind
	gen   uint64
	track music.Track
	err   error
}

// guildLoop serialises all playback decisions for one guild.
type guildLoop struct {
	o       *Orchestrator
	guildID string
	events  chan event
	quit    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc

	// Owned by the loop goroutine.
	device     Device
	deviceConn audio.Connection
	gen        uint64
	current    music.Track
	hasCurrent bool
	queueLen   int
}

func newGuildLoop(o *Orchestrator, guildID string) *guildLoop {
	return &guildLoop{
		o:       o,
		guildID: guildID,
		events:  make(chan event, eventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *guildLoop) run(ctx context.Context) {
	ctx = observe.WithGuild(ctx, l.guildID)
	defer func() {
		l.stopDevice()
		l.o.metrics.ActiveSessions.Add(context.Background(), -1)
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *guildLoop) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evStart:
		l.advance(ctx, outcome{kind: outcomeStart})
	case evComplete:
		l.complete(ctx, ev)
	case evSkip:
		l.stopDevice()
		l.advance(ctx, outcome{kind: outcomeSkipped, track: l.current})
	case evCall:
		ev.reply <- ev.fn()
	}
}

// post delivers ev unless the loop has exited.
func (l *guildLoop) post(ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// call runs fn on the loop goroutine and returns its error.
func (l *guildLoop) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case l.events <- event{kind: evCall, fn: fn, reply: reply}:
	case <-l.done:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interrupt cancels the advance in progress, if any.
func (l *guildLoop) interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *guildLoop) setCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
}

func (l *guildLoop) stopDevice() {
	if l.device != nil {
		l.device.Stop()
	}
}

// deviceFor returns a device bound to conn, replacing one bound to an older
// connection.
func (l *guildLoop) deviceFor(conn audio.Connection) Device {
	if l.device != nil && l.deviceConn == conn {
		return l.device
	}
	if l.device != nil {
		l.device.Stop()
	}
	l.device = l.o.devices(conn)
	l.deviceConn = conn
	return l.device
}

// complete handles a device completion. Stale and deliberate-stop
// completions are dropped.
func (l *guildLoop) complete(ctx context.Context, ev event) {
	if errors.Is(ev.err, ErrStopped) {
		return
	}
	var (
		gen uint64
		np  *music.NowPlaying
	)
	if err := l.o.store.View(l.guildID, func(s session.Session) {
		gen = s.Generation
		np = s.NowPlaying
	}); err != nil {
		return
	}
	if ev.gen != gen || np == nil {
		slog.Debug("playback: discarding stale completion", "guild_id", l.guildID, "event_gen", ev.gen, "gen", gen)
		return
	}

	elapsed := ev.at.Sub(np.StartedAt)
	if err := l.o.classifier.Classify(np.Track, elapsed, ev.err); err != nil {
		var pe *music.PlaybackError
		silent := errors.As(err, &pe) && pe.Silent
		l.o.metrics.RecordTrackFailed(ctx, silent)
		observe.Logger(ctx).Warn("playback: track failed",
			"title", np.Track.Title,
			"elapsed", elapsed,
			"silent", silent,
			"err", err,
		)
		l.advance(ctx, outcome{kind: outcomeFailed, gen: ev.gen, track: np.Track, err: err})
		return
	}
	l.advance(ctx, outcome{kind: outcomeFinished, gen: ev.gen, track: np.Track})
}

// advance moves the guild to its next track. It runs as a bounded loop: each
// iteration either consumes a queue entry or spends one retry, so it always
// settles on a playing track or an idle guild.
func (l *guildLoop) advance(parent context.Context, out outcome) {
	ctx, cancel := context.WithCancel(parent)
	l.setCancel(cancel)
	defer func() {
		l.setCancel(nil)
		cancel()
	}()

	ctx, span := observe.StartSpan(ctx, "playback.advance")
	span.SetAttributes(attribute.Int("outcome", int(out.kind)))
	defer span.End()

	var (
		next     music.Track
		ok       bool
		announce bool
		retry    bool
		err      error
	)
	if out.kind == outcomeFailed {
		l.gen = out.gen
		next, ok, retry, err = l.afterFailure(ctx, out.track, out.err)
		announce = !retry
	} else {
		next, ok, announce, err = l.selectNext(out)
	}

	bound := (l.queueLen+1)*(l.o.Config().MaxRetries+1) + 1
	for step := 0; err == nil && step < bound; step++ {
		if !ok {
			l.finish(ctx)
			return
		}
		l.current, l.hasCurrent = next, true

		startErr := l.start(ctx, next, announce)
		switch {
		case startErr == nil:
			return
		case errors.Is(startErr, errNoVoice):
			l.idle()
			return
		case errors.Is(startErr, errSuperseded) || ctx.Err() != nil:
			return
		}

		l.o.metrics.RecordTrackFailed(ctx, false)
		observe.Logger(ctx).Warn("playback: track failed to start",
			"title", next.Title,
			"err", startErr,
		)
		next, ok, retry, err = l.afterFailure(ctx, next, startErr)
		announce = !retry
	}
	if err != nil {
		slog.Debug("playback: advance interrupted", "guild_id", l.guildID, "err", err)
		return
	}
	slog.Error("playback: advance did not settle", "guild_id", l.guildID, "steps", bound)
	l.finish(ctx)
}

// selectNext picks the next track after a start, finish or skip. It also
// records the generation the advance works under.
func (l *guildLoop) selectNext(out outcome) (next music.Track, ok, announce bool, err error) {
	err = l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		switch out.kind {
		case outcomeStart:
			if s.State != session.StateAdvancing || s.NowPlaying != nil {
				return errSuperseded
			}
			next, ok = s.PopFront()
			announce = true

		case outcomeFinished:
			if s.Generation != out.gen {
				return errSuperseded
			}
			switch s.LoopMode {
			case music.LoopSingle:
				next, ok = out.track, true
			case music.LoopQueue:
				s.Queue = append(s.Queue, out.track)
				next, ok = s.PopFront()
				announce = true
			default:
				next, ok = s.PopFront()
				announce = true
			}

		case outcomeSkipped:
			if s.State == session.StateIdle && s.NowPlaying == nil {
				return errSuperseded
			}
			if s.LoopMode == music.LoopQueue && l.hasCurrent && s.Retry.Count == 0 {
				s.Queue = append(s.Queue, out.track)
			}
			next, ok = s.PopFront()
			announce = true
		}

		l.gen = s.Generation
		l.queueLen = len(s.Queue)
		s.Retry = session.RetryState{}
		s.NowPlaying = nil
		s.State = session.StateAdvancing
		return nil
	})
	return next, ok, announce, err
}

// afterFailure either schedules a retry of track (after the retry delay) or
// gives up on it, notifies, and returns the queue head. A given-up track is
// never re-queued, whatever the loop mode.
func (l *guildLoop) afterFailure(ctx context.Context, track music.Track, cause error) (next music.Track, ok, retry bool, err error) {
	err = l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		if s.Generation != l.gen {
			return errSuperseded
		}
		s.NowPlaying = nil
		s.State = session.StateAdvancing
		l.queueLen = len(s.Queue)
		if s.Retry.Count < l.o.Config().MaxRetries {
			s.Retry.Count++
			s.Retry.LastError = cause
			retry = true
			return nil
		}
		s.Retry = session.RetryState{}
		next, ok = s.PopFront()
		return nil
	})
	if err != nil {
		return music.Track{}, false, false, err
	}

	if retry {
		slog.Info("playback: retrying track", "guild_id", l.guildID, "title", track.Title, "delay", l.o.Config().RetryDelay)
		if err := l.o.sleep(ctx, l.o.Config().RetryDelay); err != nil {
			return music.Track{}, false, true, err
		}
		return track, true, true, nil
	}

	l.hasCurrent = false
	l.o.metrics.TracksSkipped.Add(ctx, 1)
	l.o.notify(ctx, l.guildID, fmt.Sprintf("Skipped **%s**: %s.", track.Title, music.Summary(cause)))
	return next, ok, false, nil
}

// start prepares track and hands it to the device.
func (l *guildLoop) start(ctx context.Context, track music.Track, announce bool) error {
	var conn audio.Connection
	err := l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		if s.Generation != l.gen {
			return errSuperseded
		}
		conn = s.Voice
		s.State = session.StateAdvancing
		return nil
	})
	if err != nil {
		return err
	}
	if conn == nil {
		return errNoVoice
	}

	src, err := l.o.sources.Prepare(ctx, track, l.o.preferences(ctx, track.RequesterID))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dev := l.deviceFor(conn)
	gen := l.gen
	onComplete := func(err error) {
		l.post(event{kind: evComplete, gen: gen, err: err, at: l.o.now()})
	}
	if err := dev.Play(src, onComplete); err != nil {
		return fmt.Errorf("playback: start device: %w", err)
	}

	err = l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		if s.Generation != gen {
			return errSuperseded
		}
		s.NowPlaying = &music.NowPlaying{Track: track, StartedAt: l.o.now()}
		s.State = session.StatePlaying
		return nil
	})
	if err != nil {
		dev.Stop()
		return err
	}

	l.o.metrics.TracksStarted.Add(ctx, 1)
	observe.Logger(ctx).Info("playback: started", "title", track.Title, "local", src.Local)
	l.o.recordPlay(ctx, l.guildID, track)
	if announce {
		l.o.notify(ctx, l.guildID, fmt.Sprintf("Now playing **%s**.", track))
	}
	return nil
}

// finish leaves the guild idle with its voice connection held.
func (l *guildLoop) finish(ctx context.Context) {
	err := l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		if s.Generation != l.gen {
			return errSuperseded
		}
		s.NowPlaying = nil
		s.State = session.StateIdle
		s.Retry = session.RetryState{}
		return nil
	})
	if err != nil {
		return
	}
	l.hasCurrent = false
	l.o.notify(ctx, l.guildID, "Queue finished.")
}

// idle drops back to idle without notifying.
func (l *guildLoop) idle() {
	_ = l.o.store.Mutate(l.guildID, func(s *session.Session) error {
		if s.Generation != l.gen {
			return errSuperseded
		}
		s.NowPlaying = nil
		s.State = session.StateIdle
		return nil
	})
	l.hasCurrent = false
	slog.Warn("playback: no voice connection, going idle", "guild_id", l.guildID)
}
