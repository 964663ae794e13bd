// Package session keeps the registry of Client sessions admitted by a Host.
//
// All session state lives behind Manager's mutex; callers only ever see
// copies. Whichever call removes an entry (Remove, Evict or SweepZombies)
// reports it, so exactly one caller owns the follow-up for every session.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrSeatLimitExceeded = errors.New("session: seat limit exceeded")
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidState      = errors.New("session: invalid state transition")
)

// LicenseManager is the seat authority. It is consulted on every
// CreateSession so license changes apply to the next admission.
type LicenseManager interface {
	MaxSeats(databaseIdentity string) int
}

// CryptoUtils supplies session tokens and credential hashing.
type CryptoUtils interface {
	SecureRandomID() string
	Hash(input string) string
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*ClientSession

	license          LicenseManager
	crypto           CryptoUtils
	databaseIdentity string
	now              func() time.Time
}

// NewManager creates a Manager for the database identified by
// databaseIdentity.
func NewManager(databaseIdentity string, license LicenseManager, crypto CryptoUtils) *Manager {
	return &Manager{
		sessions:         make(map[string]*ClientSession),
		license:          license,
		crypto:           crypto,
		databaseIdentity: databaseIdentity,
		now:              time.Now,
	}
}

// CreateSession admits a new session in the Authenticating state. It fails
// closed with ErrSeatLimitExceeded when every licensed seat is held.
func (m *Manager) CreateSession(ac AuthContext) (ClientSession, error) {
	maxSeats := m.license.MaxSeats(m.databaseIdentity)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seatsLocked() >= maxSeats {
		return ClientSession{}, fmt.Errorf("%w: %d of %d seats in use", ErrSeatLimitExceeded, m.seatsLocked(), maxSeats)
	}

	id := m.crypto.SecureRandomID()
	for _, taken := m.sessions[id]; taken; _, taken = m.sessions[id] {
		id = m.crypto.SecureRandomID()
	}

	now := m.now()
	s := &ClientSession{
		ID:              id,
		ConnectionID:    ac.ConnectionID,
		UserID:          ac.UserID,
		DeviceID:        ac.DeviceID,
		DeviceName:      ac.DeviceName,
		RemoteAddr:      ac.RemoteAddr,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Status:          Authenticating,
	}
	m.sessions[id] = s
	return *s, nil
}

// Activate moves a session from Authenticating to Active.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != Authenticating {
		return fmt.Errorf("%w: %s -> active", ErrInvalidState, s.Status)
	}
	s.Status = Active
	s.LastHeartbeatAt = m.now()
	return nil
}

// RecordHeartbeat refreshes LastHeartbeatAt. Heartbeats for sessions that
// are gone are dropped silently.
func (m *Manager) RecordHeartbeat(id string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Status != Active {
		return
	}
	if ts.After(s.LastHeartbeatAt) {
		s.LastHeartbeatAt = ts
	}
}

// SweepZombies evicts every session that has been silent for longer than
// interval*missedThreshold and returns the evicted snapshots. Sessions stuck
// in Authenticating for the same bound are reaped too so they cannot pin a
// seat.
func (m *Manager) SweepZombies(now time.Time, interval time.Duration, missedThreshold int) []ClientSession {
	limit := interval * time.Duration(missedThreshold)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if now.Sub(s.LastHeartbeatAt) > limit {
			s.Status = Zombie
		}
	}

	// Zombies never survive the sweep that found them.
	var evicted []ClientSession
	for id, s := range m.sessions {
		if s.Status != Zombie {
			continue
		}
		s.Status = Evicted
		evicted = append(evicted, *s)
		delete(m.sessions, id)
	}
	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].ConnectedAt.Before(evicted[j].ConnectedAt)
	})
	return evicted
}

// Remove drops a session after a clean disconnect. The boolean reports
// whether this call removed it.
func (m *Manager) Remove(id string) (ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ClientSession{}, false
	}
	delete(m.sessions, id)
	return *s, true
}

// Evict marks a session Evicted and removes it. Used for administrative
// logouts.
func (m *Manager) Evict(id string) (ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ClientSession{}, false
	}
	s.Status = Evicted
	delete(m.sessions, id)
	return *s, true
}

func (m *Manager) Get(id string) (ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClientSession{}, false
	}
	return *s, true
}

// IsActive reports whether id names an Active session.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && s.Status == Active
}

// List returns snapshots ordered by ConnectedAt.
func (m *Manager) List() []ClientSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ClientSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// ActiveSeats counts sessions that hold a seat.
func (m *Manager) ActiveSeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seatsLocked()
}

// MaxSeats returns the current license limit.
func (m *Manager) MaxSeats() int {
	return m.license.MaxSeats(m.databaseIdentity)
}

func (m *Manager) seatsLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.Status.HoldsSeat() {
			count++
		}
	}
	return count
}
