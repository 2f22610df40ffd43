package mocks

import (
	"io"
	"strings"
	"sync"

	"github.com/oee-monitor/fleetflash/internal/jobs"
)

// MockProcess implements jobs.Process over a canned output stream
type MockProcess struct {
	mu sync.Mutex

	// Control behavior
	Reader   io.Reader
	ExitCode int
	WaitErr  error
	Pid      int
	WaitFunc func() (int, error)

	// Call tracking
	WaitCalls int

	onWait func()
}

// NewMockProcess creates a process that prints output and exits with exitCode
func NewMockProcess(output string, exitCode int) *MockProcess {
	return &MockProcess{
		Reader:   strings.NewReader(output),
		ExitCode: exitCode,
		Pid:      4242,
	}
}

// Output implements jobs.Process
func (m *MockProcess) Output() io.Reader {
	return m.Reader
}

// PID implements jobs.Process
func (m *MockProcess) PID() int {
	return m.Pid
}

// Wait implements jobs.Process
func (m *MockProcess) Wait() (int, error) {
	m.mu.Lock()
	m.WaitCalls++
	onWait := m.onWait
	m.mu.Unlock()

	if onWait != nil {
		onWait()
	}
	if m.WaitFunc != nil {
		return m.WaitFunc()
	}
	return m.ExitCode, m.WaitErr
}

// MockDriver implements jobs.Driver. Processes and StartErrors are keyed by port.
type MockDriver struct {
	mu sync.Mutex

	// Control behavior
	StartFunc   func(job jobs.FlashJob) (jobs.Process, error)
	Processes   map[string]*MockProcess
	StartErrors map[string]error

	// Call tracking
	StartCalls int
	Started    []string // ports in start order
	Running    int
	MaxRunning int
}

// NewMockDriver creates a new mock driver
func NewMockDriver() *MockDriver {
	return &MockDriver{
		Processes:   make(map[string]*MockProcess),
		StartErrors: make(map[string]error),
	}
}

// Start implements jobs.Driver
func (m *MockDriver) Start(job jobs.FlashJob) (jobs.Process, error) {
	m.mu.Lock()
	m.StartCalls++
	m.Started = append(m.Started, job.Port)
	startErr := m.StartErrors[job.Port]
	process := m.Processes[job.Port]
	m.mu.Unlock()

	if m.StartFunc != nil {
		return m.StartFunc(job)
	}
	if startErr != nil {
		return nil, startErr
	}
	if process == nil {
		// Default implementation - a silent tool that succeeds
		process = NewMockProcess("", 0)
	}

	m.mu.Lock()
	m.Running++
	if m.Running > m.MaxRunning {
		m.MaxRunning = m.Running
	}
	process.mu.Lock()
	process.onWait = func() {
		m.mu.Lock()
		m.Running--
		m.mu.Unlock()
	}
	process.mu.Unlock()
	m.mu.Unlock()

	return process, nil
}

// StartOrder returns the ports in the order Start was called
func (m *MockDriver) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Started...)
}

// PresenterEvent is one call received by MockPresenter
type PresenterEvent struct {
	Index   int
	Percent int
	Finish  bool
	OK      bool
	Note    string
}

// MockPresenter implements jobs.Presenter and records every call
type MockPresenter struct {
	mu sync.Mutex

	Labels     []string
	Events     []PresenterEvent
	CloseCalls int
}

// NewMockPresenter creates a new recording presenter
func NewMockPresenter(labels []string) *MockPresenter {
	return &MockPresenter{Labels: labels}
}

// Update implements jobs.Presenter
func (m *MockPresenter) Update(index, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, PresenterEvent{Index: index, Percent: percent})
}

// Finish implements jobs.Presenter
func (m *MockPresenter) Finish(index int, ok bool, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, PresenterEvent{Index: index, Finish: true, OK: ok, Note: note})
}

// Close implements jobs.Presenter
func (m *MockPresenter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
}

// Updates returns the percentages reported for one index, in arrival order
func (m *MockPresenter) Updates(index int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var values []int
	for _, e := range m.Events {
		if e.Index == index && !e.Finish {
			values = append(values, e.Percent)
		}
	}
	return values
}

// Finished returns the finish event for index, if any
func (m *MockPresenter) Finished(index int) (PresenterEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.Events {
		if e.Index == index && e.Finish {
			return e, true
		}
	}
	return PresenterEvent{}, false
}
