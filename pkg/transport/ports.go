package transport

import (
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a candidate actuator port
type PortInfo struct {
	Name    string `json:"name"`
	Suffix  string `json:"suffix"`
	IsUSB   bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// CandidatePorts lists USB serial ports that may host an actuator bus.
func CandidatePorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*enumerator.PortDetails, len(details))
	names := make([]string, 0, len(details))
	for _, d := range details {
		byName[d.Name] = d
		names = append(names, d.Name)
	}

	var out []PortInfo
	for _, name := range filterCandidatePorts(names) {
		d := byName[name]
		out = append(out, PortInfo{
			Name:    name,
			Suffix:  portSuffix(name),
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	return out, nil
}

func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort matches USB serial naming on Linux, macOS and Windows
func isCandidatePort(port string) bool {
	for _, prefix := range []string{
		"/dev/ttyUSB", "/dev/ttyACM",
		"/dev/tty.usbmodem", "/dev/tty.usbserial",
		"/dev/cu.usbmodem", "/dev/cu.usbserial",
		"COM",
	} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// portSuffix gives a friendly name: /dev/tty.usbmodem123 -> usbmodem123
func portSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}
