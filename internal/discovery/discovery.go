// Package discovery finds the USB-serial ports that should be flashed.
package discovery

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/oee-monitor/fleetflash/pkg/debug"
)

// Endpoint is one serial port as reported by the operating system.
type Endpoint struct {
	Name         string // device path or COM name, e.g. /dev/ttyUSB0 or COM3
	Description  string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// HardwareID renders the USB identity the way serial tools usually print it.
func (e Endpoint) HardwareID() string {
	if !e.IsUSB {
		return "n/a"
	}
	id := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(e.VID), strings.ToUpper(e.PID))
	if e.SerialNumber != "" {
		id += " SER=" + e.SerialNumber
	}
	return id
}

// Enumerator lists the serial ports present on the host.
type Enumerator interface {
	Ports() ([]*enumerator.PortDetails, error)
}

// SystemEnumerator asks the operating system.
type SystemEnumerator struct{}

// Ports implements Enumerator
func (SystemEnumerator) Ports() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// Rules select endpoints. A port matches when its description contains any
// of Descriptions (case-sensitive) or its USB id equals any of USBIDs.
type Rules struct {
	Descriptions []string
	USBIDs       []USBID
}

// Empty reports whether no rule is set; empty rules match nothing.
func (r Rules) Empty() bool {
	return len(r.Descriptions) == 0 && len(r.USBIDs) == 0
}

// USBID is a vendor/product pair in hex.
type USBID struct {
	VID string
	PID string
}

func (id USBID) String() string {
	return strings.ToUpper(id.VID) + ":" + strings.ToUpper(id.PID)
}

// ParseUSBID parses "1A86:7523" (case-insensitive hex).
func ParseUSBID(s string) (USBID, error) {
	vid, pid, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !isHexID(vid) || !isHexID(pid) {
		return USBID{}, fmt.Errorf("invalid USB id %q, expected VID:PID in hex", s)
	}
	return USBID{VID: strings.ToUpper(vid), PID: strings.ToUpper(pid)}, nil
}

func isHexID(s string) bool {
	if len(s) == 0 || len(s) > 4 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Discoverer applies Rules to what an Enumerator reports
type Discoverer struct {
	enumerator Enumerator
}

// New creates a Discoverer; a nil enumerator means the operating system.
func New(e Enumerator) *Discoverer {
	if e == nil {
		e = SystemEnumerator{}
	}
	return &Discoverer{enumerator: e}
}

// All returns every enumerated port in enumeration order, duplicates removed.
func (d *Discoverer) All() ([]Endpoint, error) {
	ports, err := d.enumerator.Ports()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	seen := make(map[string]bool, len(ports))
	endpoints := make([]Endpoint, 0, len(ports))
	for _, port := range ports {
		if port == nil || port.Name == "" || seen[port.Name] {
			continue
		}
		seen[port.Name] = true
		endpoints = append(endpoints, toEndpoint(port))
	}
	return endpoints, nil
}

// Discover returns the endpoints matching rules, in enumeration order.
// Finding nothing is not an error.
func (d *Discoverer) Discover(rules Rules) ([]Endpoint, error) {
	all, err := d.All()
	if err != nil {
		return nil, err
	}

	var matched []Endpoint
	for _, ep := range all {
		if rules.Match(ep) {
			debug.Info("Matched %s (%s, %s)", ep.Name, ep.Description, ep.HardwareID())
			matched = append(matched, ep)
		} else {
			debug.Debug("Skipped %s (%s, %s)", ep.Name, ep.Description, ep.HardwareID())
		}
	}
	return matched, nil
}

// Match reports whether ep satisfies any rule.
func (r Rules) Match(ep Endpoint) bool {
	for _, pattern := range r.Descriptions {
		if pattern != "" && strings.Contains(ep.Description, pattern) {
			return true
		}
	}
	if ep.IsUSB {
		for _, id := range r.USBIDs {
			if strings.EqualFold(id.VID, ep.VID) && strings.EqualFold(id.PID, ep.PID) {
				return true
			}
		}
	}
	return false
}

// Names returns the port names of endpoints.
func Names(endpoints []Endpoint) []string {
	names := make([]string, len(endpoints))
	for i, ep := range endpoints {
		names[i] = ep.Name
	}
	return names
}

func toEndpoint(port *enumerator.PortDetails) Endpoint {
	ep := Endpoint{
		Name:         port.Name,
		Description:  strings.TrimSpace(port.Product),
		IsUSB:        port.IsUSB,
		VID:          strings.ToUpper(port.VID),
		PID:          strings.ToUpper(port.PID),
		SerialNumber: port.SerialNumber,
	}
	if ep.Description == "" {
		// some platforms report no product string; fall back to the USB identity
		ep.Description = ep.HardwareID()
	}
	return ep
}
