// Package state persists small JSON documents per plugin, such as the last
// volume level, across restarts.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// DefaultMaxBytes caps one plugin's document.
const DefaultMaxBytes = 64 << 10

var (
	ErrNoPlugin = errors.New("plugin name is empty")
	ErrTooLarge = errors.New("plugin state too large")
)

// Store reads and writes the plugin_state table.
type Store struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

// NewStore wraps a database opened by storage.Open.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, maxBytes: DefaultMaxBytes, now: time.Now}
}

// Get returns the document stored for plugin, or {} when there is none.
func (s *Store) Get(ctx context.Context, plugin string) (json.RawMessage, error) {
	if plugin == "" {
		return nil, ErrNoPlugin
	}
	raw, err := readState(ctx, s.db, plugin)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Load decodes the document stored for plugin into v. A missing document
// leaves v untouched.
func (s *Store) Load(ctx context.Context, plugin string, v any) error {
	raw, err := s.Get(ctx, plugin)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode state of %q: %w", plugin, err)
	}
	return nil
}

// Merge replaces the top-level keys of plugin's document with those in
// updates and returns the result.
func (s *Store) Merge(ctx context.Context, plugin string, updates map[string]any) (json.RawMessage, error) {
	if plugin == "" {
		return nil, ErrNoPlugin
	}
	upd, err := toObject(updates)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	raw, err := readState(ctx, tx, plugin)
	if err != nil {
		return nil, err
	}
	cur, err := decodeObject([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state of %q: %w", plugin, err)
	}
	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if len(merged) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(merged), s.maxBytes)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, plugin, string(merged), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("write state of %q: %w", plugin, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// Delete forgets plugin's document.
func (s *Store) Delete(ctx context.Context, plugin string) error {
	if plugin == "" {
		return ErrNoPlugin
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM plugin_state WHERE plugin_name = ?;", plugin); err != nil {
		return fmt.Errorf("delete state of %q: %w", plugin, err)
	}
	return nil
}

// Plugins lists the plugins that have stored state.
func (s *Store) Plugins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT plugin_name FROM plugin_state ORDER BY plugin_name;")
	if err != nil {
		return nil, fmt.Errorf("list plugin state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readState(ctx context.Context, q queryer, plugin string) (string, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT state FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state of %q: %w", plugin, err)
	}
	if !json.Valid([]byte(raw)) {
		return "", fmt.Errorf("stored state of %q is not valid JSON", plugin)
	}
	return raw, nil
}

func toObject(updates map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(updates))
	for k, v := range updates {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
