package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditya-sadavare/boltshare/models"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestUpdateThrottlesSamples(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := NewTrackerWithClock(1000, tp, DefaultInterval)

	tp.advance(100 * time.Millisecond)
	sample, recomputed := tracker.Update(100)
	assert.False(t, recomputed)
	assert.Equal(t, int64(100), sample.BytesMoved)
	assert.True(t, sample.ETAUnknown)
	assert.Zero(t, sample.SpeedBytesPerSec)

	tp.advance(400 * time.Millisecond)
	sample, recomputed = tracker.Update(500)
	require.True(t, recomputed, "exactly one interval must recompute")
	assert.InDelta(t, 1000.0, sample.SpeedBytesPerSec, 1e-9)
	assert.InDelta(t, 0.5, sample.ETASeconds, 1e-9)
	assert.False(t, sample.ETAUnknown)
}

func TestSpeedUsesDeltaSinceLastSample(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := NewTrackerWithClock(10_000, tp, DefaultInterval)

	tp.advance(time.Second)
	_, recomputed := tracker.Update(1000)
	require.True(t, recomputed)

	tp.advance(2 * time.Second)
	sample, recomputed := tracker.Update(5000)
	require.True(t, recomputed)
	assert.InDelta(t, 2000.0, sample.SpeedBytesPerSec, 1e-9)
	assert.InDelta(t, 2.5, sample.ETASeconds, 1e-9)
}

func TestZeroSpeedMakesETAUnknown(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := NewTrackerWithClock(1000, tp, DefaultInterval)

	tp.advance(time.Second)
	_, _ = tracker.Update(200)

	tp.advance(time.Second)
	sample, recomputed := tracker.Update(200)
	require.True(t, recomputed)
	assert.Zero(t, sample.SpeedBytesPerSec)
	assert.Zero(t, sample.ETASeconds)
	assert.True(t, sample.ETAUnknown)
}

func TestModeIsReported(t *testing.T) {
	tracker := NewTrackerWithClock(10, newMockTimeProvider(), DefaultInterval)
	assert.Equal(t, models.ModeDetecting, tracker.Sample().Mode)

	tracker.SetMode(models.ModeLocal)
	sample, _ := tracker.Update(5)
	assert.Equal(t, models.ModeLocal, sample.Mode)
	assert.Equal(t, int64(10), sample.TotalBytes)
	assert.InDelta(t, 50.0, sample.Percent(), 1e-9)
}

func TestDefaultTrackerUsesWallClock(t *testing.T) {
	tracker := NewTracker(100)
	_, recomputed := tracker.Update(1)
	assert.False(t, recomputed)
}
