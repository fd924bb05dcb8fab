// Package source turns a resolved track plus the requester's audio
// preferences into a ready-to-play [Source] for the transcoder.
//
// A cached local copy is preferred over a remote stream. Every source gets a
// volume filter; bass boost appends a fixed high-pass, low-shelf and
// equalizer chain.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/pkg/music"
)

// BassBoostFilters is appended, in order, when bass boost is enabled.
var BassBoostFilters = []string{
	"highpass=f=30",
	"lowshelf=g=6:f=100",
	"equalizer=f=125:t=q:w=1:g=2",
}

// RemoteInputOptions are the transcoder input options for network sources.
// They make ffmpeg reconnect when the remote end drops a long-lived stream.
var RemoteInputOptions = []string{
	"-reconnect", "1",
	"-reconnect_streamed", "1",
	"-reconnect_delay_max", "5",
}

// Source is a prepared, ready-to-play input.
type Source struct {
	// Input is a local file path or a remote media URL.
	Input string

	// Local reports whether Input is a file on disk.
	Local bool

	// InputOptions are passed to the transcoder before the input.
	InputOptions []string

	// Filters is the ordered audio filter chain.
	Filters []string

	// Track is the track this source plays.
	Track music.Track
}

// FilterGraph joins Filters into a single ffmpeg -af argument.
func (s Source) FilterGraph() string {
	return strings.Join(s.Filters, ",")
}

// StreamResolver yields a direct media URL for a track page URL.
type StreamResolver interface {
	StreamURL(ctx context.Context, url string) (string, error)
}

// LocalCache looks up previously downloaded copies of a track.
type LocalCache interface {
	CachedLocalPath(ctx context.Context, url string) (path string, ok bool, err error)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithStat overrides the existence check for cached paths.
func WithStat(fn func(path string) error) Option {
	return func(p *Provider) { p.stat = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider prepares sources. It is safe for concurrent use.
type Provider struct {
	cache   LocalCache
	streams StreamResolver
	stat    func(path string) error
	metrics *observe.Metrics
}

// New creates a Provider. cache may be nil, in which case every source is
// streamed.
func New(cache LocalCache, streams StreamResolver, opts ...Option) *Provider {
	p := &Provider{
		cache:   cache,
		streams: streams,
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Prepare returns a playable source for track with prefs applied. It returns
// *[music.SourceUnavailableError] when neither a cached copy nor a stream URL
// can be obtained.
func (p *Provider) Prepare(ctx context.Context, track music.Track, prefs music.Preferences) (Source, error) {
	start := time.Now()
	src := Source{
		Track:   track,
		Filters: Filters(prefs),
	}

	if path, ok := p.cachedPath(ctx, track.URL); ok {
		src.Input = path
		src.Local = true
		p.metrics.RecordSourcePrepare(ctx, time.Since(start), "local")
		return src, nil
	}

	if p.streams == nil {
		return Source{}, &music.SourceUnavailableError{URL: track.URL, Err: errors.New("no stream resolver")}
	}
	u, err := p.streams.StreamURL(ctx, track.URL)
	if err != nil {
		return Source{}, &music.SourceUnavailableError{URL: track.URL, Err: err}
	}
	if u == "" {
		return Source{}, &music.SourceUnavailableError{URL: track.URL}
	}
	src.Input = u
	src.InputOptions = append([]string(nil), RemoteInputOptions...)
	p.metrics.RecordSourcePrepare(ctx, time.Since(start), "stream")
	return src, nil
}

// cachedPath returns a cached path that exists on disk. Cache failures are
// logged and treated as a miss.
func (p *Provider) cachedPath(ctx context.Context, url string) (string, bool) {
	if p.cache == nil || url == "" {
		return "", false
	}
	path, ok, err := p.cache.CachedLocalPath(ctx, url)
	if err != nil {
		observe.Logger(ctx).Warn("source: cache lookup failed", "url", url, "err", err)
		return "", false
	}
	if !ok || path == "" {
		return "", false
	}
	if err := p.stat(path); err != nil {
		slog.Debug("source: cached file missing", "path", path, "err", err)
		return "", false
	}
	return path, true
}

// Filters builds the filter chain for prefs.
func Filters(prefs music.Preferences) []string {
	filters := make([]string, 0, 1+len(BassBoostFilters))
	filters = append(filters, fmt.Sprintf("volume=%s", strconv.FormatFloat(music.ClampVolume(prefs.Volume), 'f', -1, 64)))
	if prefs.BassBoost {
		filters = append(filters, BassBoostFilters...)
	}
	return filters
}
