// Package eventmap translates raw input keys into events.
//
// Two map files are consulted: the built-in map shipped with the binary and
// the user's map, whose entries replace built-in ones key by key.
package eventmap

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/log"
)

//go:embed settings/events.map
var settings embed.FS

// ErrNotFound is returned by GetEvent when the key is not mapped. It is
// distinct from a mapped key with no event name, which yields event.Empty().
var ErrNotFound = keymap.ErrNotFound

// Builtin returns the embedded default map.
func Builtin() keymap.Source {
	return keymap.FS(settings, "settings/events.map")
}

// EventMap maps keys to events.
type EventMap struct {
	km       *keymap.KeyMap
	userPath string
	logger   *slog.Logger
}

// New loads the built-in source and the user map at userPath.
func New(builtin keymap.Source, userPath, delim string) (*EventMap, error) {
	sources := []keymap.Source{keymap.File(userPath)}
	if builtin != nil {
		sources = append([]keymap.Source{builtin}, sources...)
	}
	m := &EventMap{
		km:       keymap.New(delim, sources...),
		userPath: userPath,
		logger:   log.WithComponent("eventmap"),
	}
	if err := m.km.Load(); err != nil {
		return nil, fmt.Errorf("load event map: %w", err)
	}
	return m, nil
}

// FromConfig builds the event map described by core.paths and core.mapping.
func FromConfig(cfg *config.Config) (*EventMap, error) {
	userPath := cfg.UserPath(cfg.GetStr("core.paths.eventmap", "events.map"))
	return New(Builtin(), userPath, cfg.GetStr("core.mapping.delimiter", keymap.DefaultDelimiter))
}

// UserPath is the file written by UpdateEvent and RemoveEvent.
func (m *EventMap) UserPath() string { return m.userPath }

// Delimiter returns the field delimiter.
func (m *EventMap) Delimiter() string { return m.km.Delimiter() }

// GetEvent returns the event mapped to key. The first positional value is the
// event name; the remaining values and the params are carried along.
func (m *EventMap) GetEvent(key string) (event.Event, error) {
	item, err := m.km.Get(key)
	if err != nil {
		return event.Event{}, err
	}
	if len(item.Values) == 0 {
		return event.Empty(), nil
	}
	return event.New(item.Values[0], item.Values[1:], item.Params), nil
}

// UpdateEvent binds key to an event in the user map. An empty name removes
// the binding.
func (m *EventMap) UpdateEvent(key, name string, values []string, params map[string]string) error {
	if name == "" {
		return m.RemoveEvent(key)
	}
	all := append([]string{name}, values...)
	return m.km.Update(m.userPath, key, all, params)
}

// RemoveEvent removes key from the user map. A key that only exists in the
// built-in map stays mapped.
func (m *EventMap) RemoveEvent(key string) error {
	return m.km.Remove(m.userPath, key)
}

// Reload re-reads both maps.
func (m *EventMap) Reload() error {
	return m.km.Load()
}

// Entries returns a copy of the merged map.
func (m *EventMap) Entries() map[string]keymap.Item {
	return m.km.Entries()
}

// Len returns the number of mapped keys.
func (m *EventMap) Len() int { return m.km.Len() }

// Fingerprint identifies the loaded map contents.
func (m *EventMap) Fingerprint() string { return m.km.Fingerprint() }
