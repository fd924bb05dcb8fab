// Package youtube implements [music.Resolver] on top of YouTube.
//
// URLs are resolved with github.com/kkdai/youtube/v2, free-text queries are
// searched with github.com/ppalone/ytsearch and the hits re-ranked by
// Jaro-Winkler title similarity. Upstream calls share a token-bucket rate
// limiter; resolutions and searches are cached with a TTL.
package youtube

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/kkdai/youtube/v2"
	"github.com/ppalone/ytsearch"
	"golang.org/x/time/rate"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/pkg/music"
)

// Compile-time interface assertion.
var _ music.Resolver = (*Resolver)(nil)

// Defaults.
const (
	DefaultRateLimit     = 5.0
	DefaultBurst         = 10
	DefaultCacheTTL      = time.Hour
	DefaultCacheSize     = 1024
	DefaultSearchResults = 10

	watchURL     = "https://www.youtube.com/watch?v="
	thumbnailURL = "https://i.ytimg.com/vi/%s/hqdefault.jpg"

	// rankPenalty lowers the score of later upstream hits so that ties
	// keep the upstream order.
	rankPenalty = 0.01
)

// VideoClient is the subset of *youtube.Client the resolver uses.
type VideoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// Hit is one search result.
type Hit struct {
	VideoID  string
	Title    string
	Channel  string
	Duration string // "m:ss" or "h:mm:ss"; empty for live streams
}

// SearchFunc runs a free-text search.
type SearchFunc func(ctx context.Context, query string) ([]Hit, error)

// Config tunes the resolver. Zero values select the defaults.
type Config struct {
	RateLimit     float64
	Burst         int
	CacheTTL      time.Duration
	CacheSize     int
	SearchResults int
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithVideoClient replaces the kkdai client.
func WithVideoClient(c VideoClient) Option {
	return func(r *Resolver) { r.videos = c }
}

// WithSearch replaces the ytsearch client.
func WithSearch(fn SearchFunc) Option {
	return func(r *Resolver) { r.search = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver resolves YouTube URLs and search queries. It is safe for
// concurrent use.
type Resolver struct {
	videos  VideoClient
	search  SearchFunc
	limiter *rate.Limiter
	metrics *observe.Metrics
	now     func() time.Time
	maxHits int

	resolved *ttlCache[music.TrackMetadata]
	searched *ttlCache[[]music.TrackMetadata]
}

// New creates a Resolver.
func New(cfg Config, opts ...Option) *Resolver {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = DefaultSearchResults
	}

	r := &Resolver{
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:     time.Now,
		maxHits: cfg.SearchResults,
	}
	for _, o := range opts {
		o(r)
	}
	if r.videos == nil {
		r.videos = &youtube.Client{}
	}
	if r.search == nil {
		r.search = ytSearch()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.resolved = newTTLCache[music.TrackMetadata](cfg.CacheTTL, cfg.CacheSize, r.now)
	r.searched = newTTLCache[[]music.TrackMetadata](cfg.CacheTTL, cfg.CacheSize, r.now)
	return r
}

// ytSearch adapts the ytsearch client.
func ytSearch() SearchFunc {
	c := ytsearch.NewClient(nil)
	return func(ctx context.Context, query string) ([]Hit, error) {
		res, err := c.Search(ctx, query)
		if err != nil {
			return nil, err
		}
		hits := make([]Hit, 0, len(res.Results))
		for _, v := range res.Results {
			hits = append(hits, Hit{VideoID: v.VideoID, Title: v.Title, Channel: v.Channel, Duration: v.Duration})
		}
		return hits, nil
	}
}

// Resolve implements [music.Resolver].
func (r *Resolver) Resolve(ctx context.Context, query string) (md music.TrackMetadata, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return music.TrackMetadata{}, &music.ResolutionError{Query: query, Reason: music.ResolutionNoResults}
	}
	key := cacheKey(query)
	if md, ok := r.resolved.get(key); ok {
		r.metrics.RecordCacheLookup(ctx, true)
		return md, nil
	}
	r.metrics.RecordCacheLookup(ctx, false)

	start := r.now()
	defer func() { r.metrics.RecordResolve(ctx, "resolve", r.now().Sub(start), err) }()

	if id, ok := VideoID(query); ok {
		md, err = r.resolveVideo(ctx, query, id)
	} else {
		var hits []music.TrackMetadata
		hits, err = r.searchRanked(ctx, query)
		if err == nil && len(hits) == 0 {
			err = &music.ResolutionError{Query: query, Reason: music.ResolutionNoResults}
		}
		if err == nil {
			md = hits[0]
		}
	}
	if err != nil {
		return music.TrackMetadata{}, err
	}
	r.resolved.put(key, md)
	return md, nil
}

// Search implements [music.Resolver].
func (r *Resolver) Search(ctx context.Context, query string, maxResults int) (hits []music.TrackMetadata, err error) {
	query = strings.TrimSpace(query)
	if maxResults <= 0 || maxResults > r.maxHits {
		maxResults = r.maxHits
	}
	key := cacheKey(query)
	if cached, ok := r.searched.get(key); ok {
		r.metrics.RecordCacheLookup(ctx, true)
		return truncate(cached, maxResults), nil
	}
	r.metrics.RecordCacheLookup(ctx, false)

	start := r.now()
	defer func() { r.metrics.RecordResolve(ctx, "search", r.now().Sub(start), err) }()

	hits, err = r.searchRanked(ctx, query)
	if err != nil {
		return nil, err
	}
	return truncate(hits, maxResults), nil
}

// StreamURL implements [music.Resolver]. It picks the audio format with the
// highest bitrate.
func (r *Resolver) StreamURL(ctx context.Context, url string) (u string, err error) {
	start := r.now()
	defer func() { r.metrics.RecordResolve(ctx, "stream", r.now().Sub(start), err) }()

	id, ok := VideoID(url)
	if !ok {
		return "", fmt.Errorf("youtube: not a video url: %q", url)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("youtube: rate limit: %w", err)
	}
	video, err := r.videos.GetVideoContext(ctx, id)
	if err != nil {
		return "", fmt.Errorf("youtube: get video %s: %w", id, err)
	}
	format, ok := bestAudio(video.Formats.WithAudioChannels())
	if !ok {
		return "", fmt.Errorf("youtube: video %s has no audio formats", id)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("youtube: rate limit: %w", err)
	}
	u, err = r.videos.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("youtube: stream url %s: %w", id, err)
	}
	return u, nil
}

func (r *Resolver) resolveVideo(ctx context.Context, query, id string) (music.TrackMetadata, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return music.TrackMetadata{}, resolutionErr(query, err)
	}
	video, err := r.videos.GetVideoContext(ctx, id)
	if err != nil {
		return music.TrackMetadata{}, resolutionErr(query, err)
	}
	md := music.TrackMetadata{
		Title:        video.Title,
		URL:          watchURL + id,
		Duration:     video.Duration,
		Uploader:     video.Author,
		ThumbnailURL: fmt.Sprintf(thumbnailURL, id),
	}
	if best := largestThumbnail(video.Thumbnails); best != "" {
		md.ThumbnailURL = best
	}
	return md, nil
}

// searchRanked searches upstream and re-ranks the hits by title similarity.
// Successful results are cached.
func (r *Resolver) searchRanked(ctx context.Context, query string) ([]music.TrackMetadata, error) {
	key := cacheKey(query)
	if cached, ok := r.searched.get(key); ok {
		return cached, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, resolutionErr(query, err)
	}
	hits, err := r.search(ctx, query)
	if err != nil {
		return nil, resolutionErr(query, err)
	}
	ranked := Rank(query, hits)
	out := make([]music.TrackMetadata, 0, len(ranked))
	for _, h := range ranked {
		out = append(out, music.TrackMetadata{
			Title:        h.Title,
			URL:          watchURL + h.VideoID,
			Duration:     ParseDuration(h.Duration),
			Uploader:     h.Channel,
			ThumbnailURL: fmt.Sprintf(thumbnailURL, h.VideoID),
		})
	}
	if len(out) > 0 {
		r.searched.put(key, out)
	}
	return out, nil
}

// Rank orders hits by Jaro-Winkler similarity between query and
// "title channel", with a small penalty on upstream position. Hits without a
// video ID are dropped.
func Rank(query string, hits []Hit) []Hit {
	type scored struct {
		hit   Hit
		score float64
	}
	q := normalize(query)
	list := make([]scored, 0, len(hits))
	for i, h := range hits {
		if h.VideoID == "" {
			continue
		}
		s := matchr.JaroWinkler(q, normalize(h.Title), false)
		if c := matchr.JaroWinkler(q, normalize(h.Title+" "+h.Channel), false); c > s {
			s = c
		}
		list = append(list, scored{hit: h, score: s - rankPenalty*float64(i)})
	}
	slices.SortStableFunc(list, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	out := make([]Hit, len(list))
	for i, s := range list {
		out[i] = s.hit
	}
	return out
}

// ParseDuration parses "s", "m:ss" or "h:mm:ss". Anything else, including
// live markers, yields 0.
func ParseDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second
}

// VideoID extracts the video ID from a YouTube URL. Plain text is not a
// video reference.
func VideoID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "youtube.com/") && !strings.Contains(s, "youtu.be/") {
		return "", false
	}
	id, err := youtube.ExtractVideoID(s)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

func bestAudio(formats youtube.FormatList) (*youtube.Format, bool) {
	if len(formats) == 0 {
		return nil, false
	}
	best := 0
	for i := range formats {
		audioOnly := strings.HasPrefix(formats[i].MimeType, "audio/")
		bestAudioOnly := strings.HasPrefix(formats[best].MimeType, "audio/")
		switch {
		case audioOnly && !bestAudioOnly:
			best = i
		case audioOnly == bestAudioOnly && formats[i].Bitrate > formats[best].Bitrate:
			best = i
		}
	}
	return &formats[best], true
}

func largestThumbnail(thumbs youtube.Thumbnails) string {
	var (
		url  string
		area uint
	)
	for _, t := range thumbs {
		if a := t.Width * t.Height; a > area {
			url, area = t.URL, a
		}
	}
	return url
}

func resolutionErr(query string, err error) error {
	reason := music.ResolutionUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		reason = music.ResolutionTimeout
	}
	return &music.ResolutionError{Query: query, Reason: reason, Err: err}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func cacheKey(query string) string {
	return normalize(query)
}

func truncate(hits []music.TrackMetadata, n int) []music.TrackMetadata {
	if len(hits) > n {
		hits = hits[:n]
	}
	return append([]music.TrackMetadata(nil), hits...)
}
