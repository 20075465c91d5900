package device

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// PipeWire inspects the PipeWire graph through pw-link.
type PipeWire struct {
	// listOutput returns the raw `pw-link -io` listing. Replaced in tests.
	listOutput func() ([]byte, error)
}

// NewPipeWire creates a PipeWire helper backed by the pw-link binary.
func NewPipeWire() *PipeWire {
	return &PipeWire{
		listOutput: func() ([]byte, error) {
			return exec.Command("pw-link", "-io").Output()
		},
	}
}

// ListPorts returns all ports currently registered in the graph.
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.listOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

// ListSources returns the distinct capture nodes owning at least one output port.
func (pw *PipeWire) ListSources() ([]string, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var nodes []string
	for _, port := range ports {
		node, name := SplitPort(port)
		if !strings.HasPrefix(name, "capture_") && !strings.HasPrefix(name, "output_") {
			continue
		}
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// ValidatePort checks that portName exists exactly once in the graph. A
// missing port wraps ErrDeviceUnavailable and a duplicated one ErrDeviceBusy.
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" || portName == "default" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	duplicates := findPortDuplicates(portName, ports)
	switch {
	case len(duplicates) == 0:
		return fmt.Errorf("%w: port not found: %s", ErrDeviceUnavailable, portName)
	case len(duplicates) > 1:
		slog.Debug("Duplicate capture ports", "port", portName, "count", len(duplicates))
		return fmt.Errorf("%w: duplicate sources detected for '%s', close conflicting applications", ErrDeviceBusy, portName)
	}
	return nil
}

// NodeExists reports whether any port of the named node is registered.
func (pw *PipeWire) NodeExists(node string) bool {
	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to check node existence", "node", node, "error", err)
		return false
	}
	for _, port := range ports {
		if n, _ := SplitPort(port); n == node {
			return true
		}
	}
	return false
}

// SplitPort splits "node:port" at the last colon. A name without a colon is
// treated as a bare node.
func SplitPort(full string) (node, port string) {
	i := strings.LastIndex(full, ":")
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

func findPortDuplicates(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}
