package playback

import (
	"errors"
	"time"

	"github.com/MrWong99/encore/pkg/music"
)

// Default silent-failure thresholds.
const (
	DefaultSilentElapsed     = 1500 * time.Millisecond
	DefaultSilentMinDuration = 3 * time.Second
)

// Classifier decides whether a completed playback was a success.
//
// It returns nil for a genuine completion and a *[music.PlaybackError]
// otherwise. A device error always counts as a failure; a nil error may
// still be reclassified when the playback was implausibly short.
type Classifier interface {
	Classify(track music.Track, elapsed time.Duration, err error) error
}

// ThresholdClassifier treats a clean completion as a silent failure when
// less than Elapsed passed although the track declares more than
// MinDuration. This is a heuristic: the transcoder exits cleanly when the
// upstream stream dies during startup, and a multi-minute track ending after
// a second is far more likely broken than short. Tracks with unknown
// duration are never reclassified.
type ThresholdClassifier struct {
	Elapsed     time.Duration
	MinDuration time.Duration
}

// DefaultClassifier returns the classifier with the default thresholds.
func DefaultClassifier() ThresholdClassifier {
	return ThresholdClassifier{Elapsed: DefaultSilentElapsed, MinDuration: DefaultSilentMinDuration}
}

// Classify implements [Classifier].
func (c ThresholdClassifier) Classify(track music.Track, elapsed time.Duration, err error) error {
	if err != nil {
		var pe *music.PlaybackError
		if errors.As(err, &pe) {
			return err
		}
		return &music.PlaybackError{Track: track, Elapsed: elapsed, Err: err}
	}
	if elapsed < c.Elapsed && track.Duration > c.MinDuration {
		return &music.PlaybackError{Track: track, Silent: true, Elapsed: elapsed}
	}
	return nil
}
