package limiter

import (
	"context"
	"sync"
	"time"
)

type lockoutEntry struct {
	fails        int
	first        time.Time
	blockedUntil time.Time
}

type quotaEntry struct {
	start time.Time
	hits  int
}

// Memory implements Lockout and Quota in process memory.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	lockout map[string]*lockoutEntry
	quota   map[string]*quotaEntry
}

// NewMemory returns an in-memory limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{
		policy:  p,
		now:     time.Now,
		lockout: map[string]*lockoutEntry{},
		quota:   map[string]*quotaEntry{},
	}
}

func lockoutKey(subject string, source []byte) string { return subject + "\x00" + string(source) }

// Allow implements Lockout.
func (m *Memory) Allow(_ context.Context, subject string, source []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lockout[lockoutKey(subject, source)]
	if !ok {
		return true, 0, nil
	}
	if wait := e.blockedUntil.Sub(m.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success implements Lockout.
func (m *Memory) Success(_ context.Context, subject string, source []byte) error {
	m.mu.Lock()
	delete(m.lockout, lockoutKey(subject, source))
	m.mu.Unlock()
	return nil
}

// Failure implements Lockout.
func (m *Memory) Failure(_ context.Context, subject string, source []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := lockoutKey(subject, source)
	e, ok := m.lockout[k]
	if !ok || now.Sub(e.first) > m.policy.Window {
		e = &lockoutEntry{first: now}
		m.lockout[k] = e
	}
	e.fails++
	if e.fails >= m.policy.MaxFails {
		e.blockedUntil = now.Add(m.policy.BlockFor)
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}

// Take implements Quota.
func (m *Memory) Take(_ context.Context, bucket []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.quota[string(bucket)]
	if !ok || now.Sub(e.start) >= m.policy.Window {
		e = &quotaEntry{start: now}
		m.quota[string(bucket)] = e
	}
	if e.hits >= m.policy.PerQuota {
		return false, e.start.Add(m.policy.Window).Sub(now), nil
	}
	e.hits++
	return true, 0, nil
}
