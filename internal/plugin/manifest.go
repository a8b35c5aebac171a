package plugin

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SupportedProtocol is the wire protocol version spoken with external plugins.
	SupportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Manifest defines the structure of an external plugin's manifest.yaml file.
type Manifest struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Protocol     int           `yaml:"protocol"`
	Entrypoint   string        `yaml:"entrypoint"`
	Description  string        `yaml:"description,omitempty"`
	Events       []string      `yaml:"events,omitempty"`
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	Args         []string      `yaml:"args,omitempty"`
}

// Validate checks required manifest fields.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(m.Name, " \t/") {
		return fmt.Errorf("invalid name %q", m.Name)
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != SupportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, SupportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.TickInterval < 0 {
		return fmt.Errorf("tick_interval must not be negative")
	}
	for _, ev := range m.Events {
		if strings.TrimSpace(ev) == "" || strings.ContainsAny(ev, " \t") {
			return fmt.Errorf("invalid event name %q", ev)
		}
	}
	return nil
}

// External is a discovered and validated external plugin.
type External struct {
	Manifest
	Path       string // Absolute path to plugin directory
	Entrypoint string // Absolute path to entrypoint executable
}

// Subscribes reports whether the manifest declares ev.
func (e *External) Subscribes(ev string) bool {
	for _, name := range e.Events {
		if name == ev {
			return true
		}
	}
	return false
}
