package usecase

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
)

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	mu           sync.Mutex
	self         int
	parent       int
	running      map[int]bool
	names        map[int]string
	terminated   []int
	terminateErr error
	// onTerminate simulates the target's shutdown path
	onTerminate func(pid int)
}

func newMockProcessManager(self int) *mockProcessManager {
	return &mockProcessManager{
		self:    self,
		parent:  1,
		running: map[int]bool{self: true},
		names:   map[int]string{},
	}
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[pid]
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	m.terminated = append(m.terminated, pid)
	hook := m.onTerminate
	err := m.terminateErr
	m.mu.Unlock()
	if hook != nil {
		hook(pid)
	}
	return err
}

func (m *mockProcessManager) Name(pid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.names[pid]
	if !ok {
		return "", errors.New("no such process")
	}
	return name, nil
}

func (m *mockProcessManager) GetCurrentPID() int { return m.self }
func (m *mockProcessManager) GetParentPID() int  { return m.parent }

func (m *mockProcessManager) setRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[pid] = running
}

// mockLock is an in-memory domain.InstanceLock
type mockLock struct {
	mu      sync.Mutex
	pid     int
	exists  bool
	readErr error
	// acquireHook runs before Acquire checks the lock, to simulate races
	acquireHook func()
	acquires    int
}

func (m *mockLock) Acquire(pid int) error {
	m.mu.Lock()
	hook := m.acquireHook
	m.acquires++
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists {
		return domain.ErrLockHeld
	}
	m.pid, m.exists = pid, true
	return nil
}

func (m *mockLock) Read() (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, false, m.readErr
	}
	return m.pid, m.exists, nil
}

func (m *mockLock) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid, m.exists = 0, false
	return nil
}

func (m *mockLock) ReleaseIfOwner(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists && m.pid == pid {
		m.pid, m.exists = 0, false
	}
	return nil
}

func (m *mockLock) Path() string { return "/tmp/mock.pid" }

func (m *mockLock) set(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid, m.exists = pid, true
}

// mockMarkers is an in-memory domain.MarkerStore
type mockMarkers struct {
	marker  domain.MarkerState
	strict  bool
	cleared int
}

func (m *mockMarkers) TouchNoRelaunch() error {
	m.marker = domain.MarkerState{Exists: true, ModTime: time.Now()}
	return nil
}

func (m *mockMarkers) NoRelaunch() (domain.MarkerState, error) { return m.marker, nil }

func (m *mockMarkers) ClearNoRelaunch() error {
	m.cleared++
	m.marker = domain.MarkerState{}
	return nil
}

func (m *mockMarkers) StrictMode() bool { return m.strict }

func (m *mockMarkers) SetStrictMode(enabled bool) error {
	m.strict = enabled
	return nil
}

// mockActivator records activation requests
type mockActivator struct {
	activated []int
	err       error
}

func (m *mockActivator) Activate(pid int) error {
	m.activated = append(m.activated, pid)
	return m.err
}

// mockHooks collects exit hooks so tests can run them
type mockHooks struct {
	fns []func()
}

func (m *mockHooks) OnExit(fn func()) { m.fns = append(m.fns, fn) }

func (m *mockHooks) run() {
	for _, fn := range m.fns {
		fn()
	}
}

// mockUsageStore is an in-memory domain.UsageStore
type mockUsageStore struct {
	usage    map[string]map[string]int64 // day -> platform -> seconds
	sessions []domain.BrowsingSession
	err      error
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{usage: map[string]map[string]int64{}}
}

func (m *mockUsageStore) AddUsage(day, platform string, seconds int64) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.usage[day] == nil {
		m.usage[day] = map[string]int64{}
	}
	m.usage[day][platform] += seconds
	return m.usage[day][platform], nil
}

func (m *mockUsageStore) UsageForDay(day string) ([]domain.UsageEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var entries []domain.UsageEntry
	for p, s := range m.usage[day] {
		entries = append(entries, domain.UsageEntry{Day: day, Platform: p, Seconds: s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Platform < entries[j].Platform })
	return entries, nil
}

func (m *mockUsageStore) StartSession(s domain.BrowsingSession) error {
	if m.err != nil {
		return m.err
	}
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *mockUsageStore) EndSession(platform, browser string, endedAt time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := &m.sessions[i]
		if s.Platform == platform && s.Browser == browser && s.EndedAt.IsZero() {
			s.EndedAt = endedAt
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUsageStore) OpenSessions() ([]domain.BrowsingSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	var open []domain.BrowsingSession
	for _, s := range m.sessions {
		if s.EndedAt.IsZero() {
			open = append(open, s)
		}
	}
	return open, nil
}
