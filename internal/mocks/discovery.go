package mocks

import (
	"sync"

	"go.bug.st/serial/enumerator"
)

// MockEnumerator implements discovery.Enumerator
type MockEnumerator struct {
	mu sync.Mutex

	// Control behavior
	PortsFunc func() ([]*enumerator.PortDetails, error)
	Details   []*enumerator.PortDetails
	Err       error

	// Call tracking
	PortsCalls int
}

// NewMockEnumerator creates an enumerator reporting details
func NewMockEnumerator(details ...*enumerator.PortDetails) *MockEnumerator {
	return &MockEnumerator{Details: details}
}

// Ports implements discovery.Enumerator
func (m *MockEnumerator) Ports() ([]*enumerator.PortDetails, error) {
	m.mu.Lock()
	m.PortsCalls++
	m.mu.Unlock()

	if m.PortsFunc != nil {
		return m.PortsFunc()
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Details, nil
}

// CH340Port builds the details of a typical CH340 USB-serial adapter
func CH340Port(name string) *enumerator.PortDetails {
	return &enumerator.PortDetails{
		Name:    name,
		IsUSB:   true,
		VID:     "1a86",
		PID:     "7523",
		Product: "USB-SERIAL CH340 (" + name + ")",
	}
}
