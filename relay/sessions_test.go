package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionTableCreateAndLookup(t *testing.T) {
	clock := newFakeClock()
	table := NewSessionTable(DefaultSessionTTL, clock.Now)

	created := table.Create("ABC123", "sender-1")
	assert.Equal(t, "ABC123", created.Code)
	assert.Equal(t, "sender-1", created.SenderID)
	assert.Equal(t, clock.Now(), created.CreatedAt)

	got, ok := table.Lookup("ABC123")
	require.True(t, ok)
	assert.Equal(t, created, got)

	_, ok = table.Lookup("ZZ99ZZ")
	assert.False(t, ok)
}

func TestSessionTableCreateOverwrites(t *testing.T) {
	clock := newFakeClock()
	table := NewSessionTable(DefaultSessionTTL, clock.Now)

	table.Create("ABC123", "sender-1")
	clock.Advance(time.Minute)
	table.Create("ABC123", "sender-2")

	got, ok := table.Lookup("ABC123")
	require.True(t, ok)
	assert.Equal(t, "sender-2", got.SenderID)
	assert.Equal(t, clock.Now(), got.CreatedAt)
	assert.Equal(t, 1, table.Len())
}

func TestSessionTableJoinIsFirstWins(t *testing.T) {
	table := NewSessionTable(DefaultSessionTTL, nil)
	table.Create("ABC123", "sender-1")

	first, ok := table.Join("ABC123", "receiver-1")
	require.True(t, ok)
	assert.Equal(t, "receiver-1", first.ReceiverID)

	second, ok := table.Join("ABC123", "receiver-2")
	require.True(t, ok)
	assert.Equal(t, "receiver-1", second.ReceiverID)
}

func TestSessionTableJoinReturnsCurrentSender(t *testing.T) {
	table := NewSessionTable(DefaultSessionTTL, nil)
	table.Create("ABC123", "sender-1")
	table.Create("ABC123", "sender-2")

	session, ok := table.Join("ABC123", "receiver-1")
	require.True(t, ok)
	assert.Equal(t, "sender-2", session.SenderID)
	assert.Equal(t, "receiver-1", session.ReceiverID)
}

func TestSessionTableExpiry(t *testing.T) {
	clock := newFakeClock()
	table := NewSessionTable(DefaultSessionTTL, clock.Now)
	table.Create("ABC123", "sender-1")

	clock.Advance(DefaultSessionTTL)
	_, ok := table.Join("ABC123", "receiver-1")
	assert.True(t, ok, "session is still live exactly at the TTL")

	clock.Advance(time.Second)
	_, ok = table.Join("ABC123", "receiver-2")
	assert.False(t, ok, "session must be gone after the TTL")
	assert.Equal(t, 0, table.Len(), "expired lookup drops the entry")
}

func TestSessionTableExpiryIndependentOfSweep(t *testing.T) {
	clock := newFakeClock()
	table := NewSessionTable(DefaultSessionTTL, clock.Now)
	table.Create("ABC123", "sender-1")

	clock.Advance(DefaultSessionTTL + time.Millisecond)
	_, ok := table.Lookup("ABC123")
	assert.False(t, ok)
}

func TestSessionTableSweep(t *testing.T) {
	clock := newFakeClock()
	table := NewSessionTable(DefaultSessionTTL, clock.Now)

	table.Create("OLD001", "sender-1")
	clock.Advance(6 * time.Minute)
	table.Create("NEW001", "sender-2")
	clock.Advance(5 * time.Minute)

	assert.Equal(t, 1, table.Sweep())
	assert.Equal(t, 1, table.Len())

	_, ok := table.Lookup("NEW001")
	assert.True(t, ok)
	_, ok = table.Lookup("OLD001")
	assert.False(t, ok)
}

func TestSessionTableRemoveSender(t *testing.T) {
	table := NewSessionTable(DefaultSessionTTL, nil)
	table.Create("AAA111", "sender-1")
	table.Create("BBB222", "sender-1")
	table.Create("CCC333", "sender-2")

	assert.Equal(t, 2, table.RemoveSender("sender-1"))
	assert.Equal(t, 1, table.Len())

	_, ok := table.Lookup("CCC333")
	assert.True(t, ok)
}
