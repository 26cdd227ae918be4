package infra

import (
	"errors"
	"strings"
	"sync"
)

// mockCommandRunner records commands instead of executing them
type mockCommandRunner struct {
	mu       sync.Mutex
	commands []string
	runErr   error
	output   []byte
}

func (m *mockCommandRunner) Run(name string, args ...string) error {
	m.record(name, args)
	return m.runErr
}

func (m *mockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	m.record(name, args)
	return m.output, m.runErr
}

func (m *mockCommandRunner) record(name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, strings.TrimSpace(name+" "+strings.Join(args, " ")))
}

func (m *mockCommandRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// mockStarter is a test double for ProcessStarter
type mockStarter struct {
	started []string
	pid     int
	err     error
}

func (m *mockStarter) StartDetached(path string, args ...string) (int, error) {
	m.started = append(m.started, strings.TrimSpace(path+" "+strings.Join(args, " ")))
	return m.pid, m.err
}

var errMockCommand = errors.New("mock command failed")
