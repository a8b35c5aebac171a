// Package keymap implements a small flat-file database keyed by the first
// field of each line.
package keymap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

// ErrNotFound is returned when a key has no entry.
var ErrNotFound = errors.New("no entry for key")

// Source supplies the raw contents of one map file.
type Source interface {
	Name() string
	Read() ([]byte, error)
}

type fileSource string

func (f fileSource) Name() string         { return string(f) }
func (f fileSource) Read() ([]byte, error) { return os.ReadFile(string(f)) }

// File returns a Source backed by a path on disk.
func File(path string) Source { return fileSource(path) }

type fsSource struct {
	fsys fs.FS
	name string
}

func (s fsSource) Name() string         { return s.name }
func (s fsSource) Read() ([]byte, error) { return fs.ReadFile(s.fsys, s.name) }

// FS returns a Source reading name from fsys.
func FS(fsys fs.FS, name string) Source { return fsSource{fsys: fsys, name: name} }

// KeyMap is a merged view over one or more map sources. Later sources replace
// entries of earlier ones key by key.
type KeyMap struct {
	delim   string
	sources []Source
	logger  *slog.Logger

	mu          sync.RWMutex
	entries     map[string]Item
	fingerprint string

	// writeMu serialises read-modify-write cycles on map files.
	writeMu sync.Mutex
}

// New creates an empty key map. Call Load to read the sources.
func New(delim string, sources ...Source) *KeyMap {
	if delim == "" {
		delim = DefaultDelimiter
	}
	return &KeyMap{
		delim:   delim,
		sources: sources,
		logger:  log.WithComponent("keymap"),
		entries: map[string]Item{},
	}
}

// Delimiter returns the field delimiter.
func (m *KeyMap) Delimiter() string { return m.delim }

// Load discards the current entries and reads every source in order.
// Missing files are skipped.
func (m *KeyMap) Load() error {
	entries := map[string]Item{}
	sum, err := m.walk(func(src Source, data []byte) {
		parsed, bad := Parse(data, m.delim)
		for _, le := range bad {
			m.logger.Error("malformed line", "path", src.Name(), "line", le.Line, "text", le.Text, "error", le.Err)
		}
		maps.Copy(entries, parsed)
		m.logger.Debug("loaded map", "path", src.Name(), "entries", len(parsed))
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = entries
	m.fingerprint = sum
	m.mu.Unlock()
	return nil
}

// Stale reports whether the sources changed since the last Load.
func (m *KeyMap) Stale() (bool, error) {
	sum, err := m.walk(func(Source, []byte) {})
	if err != nil {
		return false, err
	}
	return sum != m.Fingerprint(), nil
}

// walk reads every existing source, hands it to fn and returns the digest
// over all of them.
func (m *KeyMap) walk(fn func(src Source, data []byte)) (string, error) {
	h := blake3.New()
	for _, src := range m.sources {
		data, err := src.Read()
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("could not open map", "path", src.Name())
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read map %s: %w", src.Name(), err)
		}
		_, _ = h.WriteString(src.Name())
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(data)
		fn(src, data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns a copy of the item bound to key.
func (m *KeyMap) Get(key string) (Item, error) {
	m.mu.RLock()
	item, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		m.logger.Error("no entry for key", "key", key)
		return Item{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return item.Clone(), nil
}

// Keys returns all keys, sorted.
func (m *KeyMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.entries))
}

// Entries returns a copy of the whole map.
func (m *KeyMap) Entries() map[string]Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Item, len(m.entries))
	for k, v := range m.entries {
		out[k] = v.Clone()
	}
	return out
}

// Len returns the number of entries.
func (m *KeyMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Fingerprint is a BLAKE3 digest over the contents of the loaded sources.
func (m *KeyMap) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fingerprint
}

// Update rewrites the entry for key in the file at path and reloads the map.
// An entry with neither values nor params deletes the key. Lines are matched
// by their key as Parse reads it.
func (m *KeyMap) Update(path, key string, values []string, params map[string]string) error {
	if err := validateEntry(key, values, params, m.delim); err != nil {
		return fmt.Errorf("update %s: %w: %w", path, ErrInvalid, err)
	}
	remove := len(values) == 0 && len(params) == 0

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Debug("map file does not exist yet", "path", path)
	case err != nil:
		return fmt.Errorf("read map %s: %w", path, err)
	default:
		text := strings.TrimSuffix(string(data), "\n")
		if text != "" {
			lines = strings.Split(text, "\n")
		}
	}

	replacement := FormatLine(key, values, params, m.delim)
	out := make([]string, 0, len(lines)+1)
	done := false
	for _, line := range lines {
		if lineKey(line, m.delim) != key {
			out = append(out, line)
			continue
		}
		if !done && !remove {
			out = append(out, replacement)
			m.logger.Debug("updated entry", "key", key, "path", path)
		} else if remove {
			m.logger.Debug("removed entry", "key", key, "path", path)
		}
		done = true
	}
	if !done {
		if remove {
			m.logger.Debug("nothing to remove", "key", key, "path", path)
		} else {
			out = append(out, replacement)
			m.logger.Info("added entry", "key", key, "path", path)
		}
	}

	if err := writeLines(path, out); err != nil {
		return err
	}
	return m.Load()
}

// Remove deletes key from the file at path and reloads the map.
func (m *KeyMap) Remove(path, key string) error {
	return m.Update(path, key, nil, nil)
}

// writeLines replaces path atomically.
func writeLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create map dir: %w", err)
	}

	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp map: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write map: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close map: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace map: %w", err)
	}
	return nil
}
