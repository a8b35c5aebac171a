package keymap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		delim   string
		key     string
		item    Item
		wantErr bool
	}{
		{
			name: "values and params",
			line: "B|volume_up|step=5",
			key:  "B",
			item: Item{Values: []string{"volume_up"}, Params: map[string]string{"step": "5"}},
		},
		{
			name: "key only",
			line: "A",
			key:  "A",
			item: Item{Values: []string{}, Params: map[string]string{}},
		},
		{
			name: "first equals splits",
			line: "C|play|url=http://x/?a=b",
			key:  "C",
			item: Item{Values: []string{"play"}, Params: map[string]string{"url": "http://x/?a=b"}},
		},
		{
			name: "fields trimmed",
			line: "  D | lamp_on | room=kitchen ",
			key:  "D",
			item: Item{Values: []string{"lamp_on"}, Params: map[string]string{"room": "kitchen"}},
		},
		{
			name:  "custom delimiter",
			line:  "E;a;b;x=1",
			delim: ";",
			key:   "E",
			item:  Item{Values: []string{"a", "b"}, Params: map[string]string{"x": "1"}},
		},
		{name: "empty key", line: "|x", wantErr: true},
		{name: "nameless param", line: "F|=5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, item, err := ParseLine(tt.line, tt.delim)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.item, item)
		})
	}
}

func TestFormatLineSortsParams(t *testing.T) {
	got := FormatLine("K", []string{"play", "x"}, map[string]string{"z": "1", "a": "2"}, "|")
	assert.Equal(t, "K|play|x|a=2|z=1", got)
}

func TestParseSkipsCommentsBlankAndMalformed(t *testing.T) {
	data := []byte("# comment\n\nA|door_open\r\n|broken\nA|door_closed\nB|x=1\n")
	entries, bad := Parse(data, "|")

	require.Len(t, bad, 1)
	assert.Equal(t, 4, bad[0].Line)
	assert.Len(t, entries, 2)
	assert.Equal(t, []string{"door_closed"}, entries["A"].Values)
}

func TestLoadLaterSourceWins(t *testing.T) {
	builtin := fstest.MapFS{
		"events.map": {Data: []byte("A|door_open|room=hall\nB|volume_up|step=5\n")},
	}
	userPath := filepath.Join(t.TempDir(), "events.map")
	require.NoError(t, os.WriteFile(userPath, []byte("A|door_closed\n"), 0o644))

	m := New("|", FS(builtin, "events.map"), File(userPath), File(filepath.Join(t.TempDir(), "missing.map")))
	require.NoError(t, m.Load())

	a, err := m.Get("A")
	require.NoError(t, err)
	assert.Equal(t, []string{"door_closed"}, a.Values)
	assert.Empty(t, a.Params, "entries are replaced entirely, not merged")

	assert.Equal(t, []string{"A", "B"}, m.Keys())
	assert.Equal(t, 2, m.Len())

	_, err = m.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetReturnsCopy(t *testing.T) {
	m := New("|", FS(fstest.MapFS{"m": {Data: []byte("K|v|p=1\n")}}, "m"))
	require.NoError(t, m.Load())

	item, err := m.Get("K")
	require.NoError(t, err)
	item.Values[0] = "changed"
	item.Params["p"] = "changed"

	again, err := m.Get("K")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Values[0])
	assert.Equal(t, "1", again.Params["p"])
}

func TestUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "user.map")
	m := New("|", File(path))

	// Appends when absent and creates the directory.
	require.NoError(t, m.Update(path, "K", []string{"lamp_on"}, map[string]string{"room": "kitchen"}))
	item, err := m.Get("K")
	require.NoError(t, err)
	assert.Equal(t, []string{"lamp_on"}, item.Values)
	assert.Equal(t, map[string]string{"room": "kitchen"}, item.Params)

	// A longer key sharing the prefix is left alone.
	require.NoError(t, m.Update(path, "KK", []string{"other"}, nil))
	require.NoError(t, m.Update(path, "K", []string{"lamp_off"}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "K|lamp_off\nKK|other\n", string(data))

	// Removing deletes only the exact key.
	require.NoError(t, m.Remove(path, "K"))
	_, err = m.Get("K")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.Get("KK")
	assert.NoError(t, err)

	// Removing an absent key is a no-op.
	require.NoError(t, m.Remove(path, "K"))
}

func TestUpdatePreservesCommentsAndCollapsesDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.map")
	require.NoError(t, os.WriteFile(path, []byte("# header\nK|a\nX|y\nK|b\nK\n"), 0o644))
	m := New("|", File(path))

	require.NoError(t, m.Update(path, "K", []string{"c"}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# header\nK|c\nX|y\n", string(data))
}

func TestUpdateMatchesPaddedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.map")
	require.NoError(t, os.WriteFile(path, []byte("A |door_open\n  B|x\n"), 0o644))
	m := New("|", File(path))
	require.NoError(t, m.Load())

	require.NoError(t, m.Remove(path, "A"))
	_, err := m.Get("A")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, m.Update(path, "B", []string{"lamp_on"}, map[string]string{"room": "kitchen"}))
	require.NoError(t, m.Update(path, "A", []string{"lamp_on"}, nil))
	require.NoError(t, m.Remove(path, "A"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "B|lamp_on|room=kitchen\n", string(data))
	_, err = m.Get("A")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateRejectsUnrepresentableData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.map")
	m := New("|", File(path))

	cases := []struct {
		key    string
		values []string
		params map[string]string
	}{
		{key: ""},
		{key: "#x", values: []string{"a"}},
		{key: "a|b", values: []string{"a"}},
		{key: "k", values: []string{"a=b"}},
		{key: "k", values: []string{"line\nbreak"}},
		{key: "k", params: map[string]string{"": "x"}},
		{key: "k", params: map[string]string{"p": "x|y"}},
	}
	for _, c := range cases {
		assert.ErrorIs(t, m.Update(path, c.key, c.values, c.params), ErrInvalid, "key %q", c.key)
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFingerprintTracksContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.map")
	m := New("|", File(path))
	require.NoError(t, m.Load())
	empty := m.Fingerprint()

	require.NoError(t, m.Update(path, "A", []string{"x"}, nil))
	first := m.Fingerprint()
	assert.NotEqual(t, empty, first)

	require.NoError(t, m.Load())
	assert.Equal(t, first, m.Fingerprint())
}

func TestFormatParseProperty(t *testing.T) {
	field := rapid.StringMatching(`[a-zA-Z0-9_./:-]{1,12}`)

	rapid.Check(t, func(t *rapid.T) {
		key := field.Draw(t, "key")
		values := rapid.SliceOfN(field, 0, 4).Draw(t, "values")
		params := rapid.MapOfN(field, field, 0, 4).Draw(t, "params")

		line := FormatLine(key, values, params, "|")
		gotKey, item, err := ParseLine(line, "|")
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", line, err)
		}
		if gotKey != key {
			t.Fatalf("key %q, want %q", gotKey, key)
		}
		if strings.Join(item.Values, ",") != strings.Join(values, ",") {
			t.Fatalf("values %v, want %v", item.Values, values)
		}
		if len(item.Params) != len(params) {
			t.Fatalf("params %v, want %v", item.Params, params)
		}
		for k, v := range params {
			if item.Params[k] != v {
				t.Fatalf("param %q = %q, want %q", k, item.Params[k], v)
			}
		}
	})
}

func TestStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.map")
	m := New("|", File(path))
	require.NoError(t, m.Load())

	stale, err := m.Stale()
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, os.WriteFile(path, []byte("A|x\n"), 0o644))
	stale, err = m.Stale()
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, m.Load())
	stale, err = m.Stale()
	require.NoError(t, err)
	assert.False(t, stale)
}
