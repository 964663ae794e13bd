package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLicense int

func (f fixedLicense) MaxSeats(string) int { return int(f) }

type seqCrypto struct{ n atomic.Int64 }

func (c *seqCrypto) SecureRandomID() string { return fmt.Sprintf("tok-%d", c.n.Add(1)) }
func (c *seqCrypto) Hash(in string) string { return "h:" + in }

func newTestManager(seats int) *Manager {
	return NewManager("acme", fixedLicense(seats), &seqCrypto{})
}

func TestCreateSessionStartsAuthenticating(t *testing.T) {
	m := newTestManager(3)

	s, err := m.CreateSession(AuthContext{ConnectionID: "c1", UserID: "alice", DeviceName: "till-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, Authenticating, s.Status)
	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, 1, m.ActiveSeats())
	assert.False(t, m.IsActive(s.ID))
}

func TestSeatLimitFailsClosed(t *testing.T) {
	m := newTestManager(3)
	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(AuthContext{ConnectionID: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}

	_, err := m.CreateSession(AuthContext{ConnectionID: "c4"})
	require.ErrorIs(t, err, ErrSeatLimitExceeded)
	assert.Len(t, m.List(), 3, "rejected admission must not create a session")
}

func TestSeatLimitConcurrent(t *testing.T) {
	const seats = 5
	m := newTestManager(seats)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.CreateSession(AuthContext{ConnectionID: fmt.Sprintf("c%d", i)})
			if err != nil {
				rejected.Add(1)
				return
			}
			assert.NoError(t, m.Activate(s.ID))
			admitted.Add(1)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, seats, admitted.Load())
	assert.EqualValues(t, 50-seats, rejected.Load())
	assert.Equal(t, seats, m.ActiveSeats())
}

func TestLicenseRecheckedOnEveryCreate(t *testing.T) {
	lic := &mutableLicense{seats: 1}
	m := NewManager("acme", lic, &seqCrypto{})

	_, err := m.CreateSession(AuthContext{})
	require.NoError(t, err)
	_, err = m.CreateSession(AuthContext{})
	require.ErrorIs(t, err, ErrSeatLimitExceeded)

	lic.set(2)
	_, err = m.CreateSession(AuthContext{})
	require.NoError(t, err)
}

type mutableLicense struct {
	mu    sync.Mutex
	seats int
}

func (l *mutableLicense) MaxSeats(string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seats
}

func (l *mutableLicense) set(n int) {
	l.mu.Lock()
	l.seats = n
	l.mu.Unlock()
}

func TestActivate(t *testing.T) {
	m := newTestManager(2)
	s, err := m.CreateSession(AuthContext{})
	require.NoError(t, err)

	require.NoError(t, m.Activate(s.ID))
	assert.True(t, m.IsActive(s.ID))

	err = m.Activate(s.ID)
	assert.ErrorIs(t, err, ErrInvalidState, "active session cannot be activated twice")

	assert.ErrorIs(t, m.Activate("missing"), ErrNotFound)
}

func TestRecordHeartbeatIgnoresUnknown(t *testing.T) {
	m := newTestManager(1)
	assert.NotPanics(t, func() {
		m.RecordHeartbeat("gone", time.Now())
	})
	assert.Empty(t, m.List())
}

func TestSweepZombies(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(3)
	m.now = func() time.Time { return base }

	stale, err := m.CreateSession(AuthContext{ConnectionID: "stale"})
	require.NoError(t, err)
	require.NoError(t, m.Activate(stale.ID))

	fresh, err := m.CreateSession(AuthContext{ConnectionID: "fresh"})
	require.NoError(t, err)
	require.NoError(t, m.Activate(fresh.ID))

	m.RecordHeartbeat(fresh.ID, base.Add(9*time.Second))

	// 5s interval, 2 missed beats: anything silent for more than 10s goes.
	evicted := m.SweepZombies(base.Add(11*time.Second), 5*time.Second, 2)
	require.Len(t, evicted, 1)
	assert.Equal(t, stale.ID, evicted[0].ID)
	assert.Equal(t, Evicted, evicted[0].Status)

	_, ok := m.Get(stale.ID)
	assert.False(t, ok, "evicted session must leave the registry")
	assert.True(t, m.IsActive(fresh.ID))

	// A second sweep at the same instant finds nothing new.
	assert.Empty(t, m.SweepZombies(base.Add(11*time.Second), 5*time.Second, 2))

	// Late heartbeat from the evicted session is dropped.
	m.RecordHeartbeat(stale.ID, base.Add(12*time.Second))
	_, ok = m.Get(stale.ID)
	assert.False(t, ok)
}

func TestSweepReapsStuckAuthenticating(t *testing.T) {
	base := time.Now()
	m := newTestManager(1)
	m.now = func() time.Time { return base }

	_, err := m.CreateSession(AuthContext{})
	require.NoError(t, err)

	evicted := m.SweepZombies(base.Add(time.Minute), time.Second, 2)
	require.Len(t, evicted, 1)
	assert.Equal(t, 0, m.ActiveSeats())
}

func TestRemovalOwnership(t *testing.T) {
	m := newTestManager(2)
	s, err := m.CreateSession(AuthContext{})
	require.NoError(t, err)
	require.NoError(t, m.Activate(s.ID))

	got, ok := m.Evict(s.ID)
	require.True(t, ok)
	assert.Equal(t, Evicted, got.Status)

	_, ok = m.Remove(s.ID)
	assert.False(t, ok, "only the first remover owns the session")
}

func TestListIsSnapshot(t *testing.T) {
	m := newTestManager(2)
	s, err := m.CreateSession(AuthContext{DeviceName: "original"})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 1)
	list[0].DeviceName = "mutated"

	got, _ := m.Get(s.ID)
	assert.Equal(t, "original", got.DeviceName)
}

func TestStatusJSON(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Authenticating, `"authenticating"`},
		{Active, `"active"`},
		{Zombie, `"zombie"`},
		{Evicted, `"evicted"`},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			data, err := tt.status.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back Status
			require.NoError(t, back.UnmarshalJSON(data))
			assert.Equal(t, tt.status, back)
		})
	}
}
