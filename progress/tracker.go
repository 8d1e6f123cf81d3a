// Package progress turns byte counters into throttled speed and ETA samples.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/aditya-sadavare/boltshare/models"
)

// DefaultInterval is the minimum spacing between recomputed samples.
const DefaultInterval = 500 * time.Millisecond

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

func (DefaultTimeProvider) Now() time.Time { return time.Now() }

func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Tracker samples transfer speed at most once per interval.
type Tracker struct {
	mu           sync.Mutex
	timeProvider TimeProvider
	interval     time.Duration

	total      int64
	lastBytes  int64
	lastSample time.Time
	sample     models.ProgressSample
}

// NewTracker creates a tracker for total bytes, starting its clock now.
func NewTracker(total int64) *Tracker {
	return NewTrackerWithClock(total, DefaultTimeProvider{}, DefaultInterval)
}

// NewTrackerWithClock creates a tracker with an explicit clock and interval.
func NewTrackerWithClock(total int64, tp TimeProvider, interval time.Duration) *Tracker {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		timeProvider: tp,
		interval:     interval,
		total:        total,
		lastSample:   tp.Now(),
		sample: models.ProgressSample{
			TotalBytes: total,
			ETAUnknown: true,
			Mode:       models.ModeDetecting,
		},
	}
}

// SetTimeProvider replaces the clock and restarts the sampling window.
func (t *Tracker) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	t.timeProvider = tp
	t.lastSample = tp.Now()
}

// SetMode records the connectivity mode reported in later samples.
func (t *Tracker) SetMode(mode models.ConnectivityMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sample.Mode = mode
}

// Update records bytesNow. It returns the current sample and whether speed
// and ETA were recomputed.
func (t *Tracker) Update(bytesNow int64) (models.ProgressSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sample.BytesMoved = bytesNow

	elapsed := t.timeProvider.Since(t.lastSample)
	if elapsed < t.interval {
		return t.sample, false
	}

	speed := float64(bytesNow-t.lastBytes) / elapsed.Seconds()
	t.sample.SpeedBytesPerSec = speed
	if speed > 0 && !math.IsInf(speed, 0) && !math.IsNaN(speed) {
		t.sample.ETASeconds = float64(t.total-bytesNow) / speed
		t.sample.ETAUnknown = false
	} else {
		t.sample.SpeedBytesPerSec = math.Max(0, finiteOrZero(speed))
		t.sample.ETASeconds = 0
		t.sample.ETAUnknown = true
	}

	t.lastBytes = bytesNow
	t.lastSample = t.timeProvider.Now()
	return t.sample, true
}

// Sample returns the latest sample without recomputing it.
func (t *Tracker) Sample() models.ProgressSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sample
}

func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
