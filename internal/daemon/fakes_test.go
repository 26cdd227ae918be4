package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eliteGoblin/focusd/companion/internal/domain"
	"github.com/eliteGoblin/focusd/companion/internal/protocol"
	"github.com/eliteGoblin/focusd/companion/internal/usecase"
)

// fakeMarkers is an in-memory domain.MarkerStore
type fakeMarkers struct {
	mu      sync.Mutex
	marker  domain.MarkerState
	strict  bool
	touched int
	cleared int
}

func (f *fakeMarkers) TouchNoRelaunch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	f.marker = domain.MarkerState{Exists: true, ModTime: time.Now()}
	return nil
}

func (f *fakeMarkers) NoRelaunch() (domain.MarkerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marker, nil
}

func (f *fakeMarkers) ClearNoRelaunch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.marker = domain.MarkerState{}
	return nil
}

func (f *fakeMarkers) StrictMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strict
}

func (f *fakeMarkers) SetStrictMode(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = enabled
	return nil
}

func (f *fakeMarkers) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched
}

// fakeSettings is an in-memory domain.SettingsStore
type fakeSettings struct {
	allowed bool
	err     error
}

func (f *fakeSettings) AutoLaunchAllowed() (bool, error) { return f.allowed, f.err }
func (f *fakeSettings) SetAutoLaunchAllowed(a bool) error { f.allowed = a; return nil }
func (f *fakeSettings) Close() error { return nil }

// fakeLock is an in-memory domain.InstanceLock
type fakeLock struct {
	mu     sync.Mutex
	pid    int
	exists bool
}

func (f *fakeLock) Acquire(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists {
		return domain.ErrLockHeld
	}
	f.pid, f.exists = pid, true
	return nil
}

func (f *fakeLock) Read() (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid, f.exists, nil
}

func (f *fakeLock) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid, f.exists = 0, false
	return nil
}

func (f *fakeLock) ReleaseIfOwner(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists && f.pid == pid {
		f.pid, f.exists = 0, false
	}
	return nil
}

func (f *fakeLock) Path() string { return "/tmp/fake.pid" }

func (f *fakeLock) set(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid, f.exists = pid, true
}

// fakePM is a domain.ProcessManager with a fixed set of live PIDs
type fakePM struct {
	mu      sync.Mutex
	self    int
	running map[int]bool
}

func newFakePM(self int, running ...int) *fakePM {
	pm := &fakePM{self: self, running: map[int]bool{self: true}}
	for _, pid := range running {
		pm.running[pid] = true
	}
	return pm
}

func (f *fakePM) IsRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[pid]
}

func (f *fakePM) Terminate(pid int) error { return nil }
func (f *fakePM) Name(pid int) (string, error) { return "companion", nil }
func (f *fakePM) GetCurrentPID() int { return f.self }
func (f *fakePM) GetParentPID() int { return 1 }

// fakeLauncher records launches and can run a start hook
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	err      error
	onLaunch func()
}

func (f *fakeLauncher) Launch(ctx context.Context) error {
	f.mu.Lock()
	f.launches++
	hook := f.onLaunch
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// fakeWaiter returns a fixed result
type fakeWaiter struct {
	err   error
	waits int
}

func (f *fakeWaiter) WaitReady(ctx context.Context, timeout time.Duration) error {
	f.waits++
	return f.err
}

// echoHandler answers PING with PONG and records everything it sees
type echoHandler struct {
	mu   sync.Mutex
	seen []protocol.Message
	// broadcastOn triggers a broadcast of the message when its type arrives
	broadcastOn protocol.MessageType
}

func (h *echoHandler) Handle(msg protocol.Message) usecase.Result {
	h.mu.Lock()
	h.seen = append(h.seen, msg)
	h.mu.Unlock()

	if _, ok := msg.(protocol.Ping); ok {
		return usecase.Result{Reply: protocol.Pong{Timestamp: 42}}
	}
	if h.broadcastOn != "" && msg.MessageType() == h.broadcastOn {
		return usecase.Result{Broadcast: []protocol.Message{protocol.BudgetExceeded{Platform: "youtube", MinutesUsed: 31, BudgetMinutes: 30}}}
	}
	return usecase.Result{}
}

func (h *echoHandler) seenTypes() []protocol.MessageType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]protocol.MessageType, 0, len(h.seen))
	for _, m := range h.seen {
		types = append(types, m.MessageType())
	}
	return types
}

// shortSocketPath returns a socket path short enough for sun_path.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "p.sock")
}
