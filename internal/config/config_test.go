package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, "|", cfg.GetStr("core.mapping.delimiter", ""))
	assert.Equal(t, 1, cfg.GetInt("core.system.shutdown_time", 0))
	assert.False(t, cfg.GetBool("core.system.debug", true))
	assert.Equal(t, 100*time.Millisecond, cfg.GetDuration("core.system.poll_interval", 0))
	assert.Equal(t, []string{}, cfg.GetListStr("core.events.passthrough", nil))
}

func TestLookup(t *testing.T) {
	cfg := New()

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr error
	}{
		{name: "leaf", path: "core.system.queue_size", want: 64},
		{name: "too short", path: "core.system", wantErr: ErrPathTooShort},
		{name: "missing", path: "core.system.nope", wantErr: ErrNotFound},
		{name: "through leaf", path: "core.system.debug.x", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.Lookup(tt.path)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayerPrecedence(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.LoadBytes([]byte("core:\n  system:\n    shutdown_time: 5\n"), LayerUser))
	assert.Equal(t, 5, cfg.GetInt("core.system.shutdown_time", 0))

	require.NoError(t, cfg.Set("core.system.shutdown_time", 9, LayerInput))
	assert.Equal(t, 9, cfg.GetInt("core.system.shutdown_time", 0))

	// A later default does not override user or input values.
	require.NoError(t, cfg.LoadBytes([]byte("core:\n  system:\n    shutdown_time: 2\n"), LayerDefault))
	assert.Equal(t, 9, cfg.GetInt("core.system.shutdown_time", 0))

	// Sibling keys from the default layer survive the deep merge.
	assert.Equal(t, 64, cfg.GetInt("core.system.queue_size", 0))
}

func TestGettersReturnDefaultOnError(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.LoadBytes([]byte(`
plugins:
  test:
    word: hello
    flag: "yes please"
    ratio: 0.5
`), LayerUser))

	assert.Equal(t, 7, cfg.GetInt("plugins.test.word", 7))
	assert.Equal(t, 7, cfg.GetInt("plugins.test.missing", 7))
	assert.Equal(t, 7, cfg.GetInt("plugins.test", 7))
	assert.True(t, cfg.GetBool("plugins.test.flag", true))
	assert.Equal(t, 3, cfg.GetInt("plugins.test.ratio", 3))
	assert.Equal(t, 0.5, cfg.GetFloat("plugins.test.ratio", 0))
	assert.Equal(t, "0.5", cfg.GetStr("plugins.test.ratio", ""))
}

func TestCollectionGetters(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.LoadBytes([]byte(`
plugins:
  test:
    ints: [1, 2, 3]
    strs: [a, b]
    bools: [true, "false"]
    str_str: {a: x, b: y}
    str_int: {a: 1}
    str_bool: {a: true}
    int_int: {1: 10, 2: 20}
    int_str: {1: one}
    int_bool: {3: false}
    mixed: [1, nope]
`), LayerUser))

	assert.Equal(t, []int{1, 2, 3}, cfg.GetListInt("plugins.test.ints", nil))
	assert.Equal(t, []string{"a", "b"}, cfg.GetListStr("plugins.test.strs", nil))
	assert.Equal(t, []bool{true, false}, cfg.GetListBool("plugins.test.bools", nil))
	assert.Equal(t, map[string]string{"a": "x", "b": "y"}, cfg.GetDictStrStr("plugins.test.str_str", nil))
	assert.Equal(t, map[string]int{"a": 1}, cfg.GetDictStrInt("plugins.test.str_int", nil))
	assert.Equal(t, map[string]bool{"a": true}, cfg.GetDictStrBool("plugins.test.str_bool", nil))
	assert.Equal(t, map[int]int{1: 10, 2: 20}, cfg.GetDictIntInt("plugins.test.int_int", nil))
	assert.Equal(t, map[int]string{1: "one"}, cfg.GetDictIntStr("plugins.test.int_str", nil))
	assert.Equal(t, map[int]bool{3: false}, cfg.GetDictIntBool("plugins.test.int_bool", nil))

	assert.Equal(t, []int{9}, cfg.GetListInt("plugins.test.mixed", []int{9}))
	assert.Nil(t, cfg.GetDictIntInt("plugins.test.str_str", nil))

	// Returned collections are copies.
	ints := cfg.GetListInt("plugins.test.ints", nil)
	ints[0] = 100
	assert.Equal(t, []int{1, 2, 3}, cfg.GetListInt("plugins.test.ints", nil))
}

func TestApplyOptions(t *testing.T) {
	cfg := New()
	err := cfg.ApplyOptions("plugins.volume.max=60@@core.events.passthrough=[volume_up, play]@@broken@@x.y=1")
	assert.Error(t, err)

	assert.Equal(t, 60, cfg.GetInt("plugins.volume.max", 0))
	assert.Equal(t, []string{"volume_up", "play"}, cfg.GetListStr("core.events.passthrough", nil))
	assert.NoError(t, cfg.ApplyOptions(""))
}

func TestApplyOptionsQuotedPlaceholder(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.ApplyOptions(`plugins.volume.command=[amixer, set, Master, "{level}%"]`))
	assert.Equal(t, []string{"amixer", "set", "Master", "{level}%"}, cfg.GetListStr("plugins.volume.command", nil))

	// Unquoted, the placeholder is a YAML flow map and the list is unusable.
	require.NoError(t, cfg.ApplyOptions("plugins.volume.command=[mixer, {level}]"))
	assert.Nil(t, cfg.GetListStr("plugins.volume.command", nil))
}

func TestSetRejectsNonMapIntermediate(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Set("plugins.test.leaf", 1, LayerInput))
	assert.Error(t, cfg.Set("plugins.test.leaf.deeper", 2, LayerInput))
	assert.Error(t, cfg.Set("plugins.test.x", 2, Layer(7)))
}

func TestLoadUserDirAndPluginConfig(t *testing.T) {
	dir := t.TempDir()
	pluginRoot := filepath.Join(dir, "plugins")
	writeFile(t, filepath.Join(dir, "config.yaml"), "core:\n  paths:\n    plugins: ["+pluginRoot+"]\nplugins:\n  example:\n    greeting: user\n")
	writeFile(t, filepath.Join(pluginRoot, "example", "config.yaml"), "plugins:\n  example:\n    greeting: default\n    repeat: 2\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.GetStr("core.paths.user_directory", ""))
	assert.Equal(t, "user", cfg.GetStr("plugins.example.greeting", ""))
	assert.Equal(t, 2, cfg.GetInt("plugins.example.repeat", 0))
	assert.Equal(t, filepath.Join(dir, "events.map"), cfg.UserPath(cfg.GetStr("core.paths.eventmap", "")))
	assert.Len(t, cfg.Sources(), 3)
}

func TestLoadRejectsBrokenUserConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "core: [unterminated\n")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestDiscoverUserDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvUserDir, dir)
	assert.Equal(t, dir, DiscoverUserDir())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "a/b"), ExpandPath("~/a/b"))
	assert.Equal(t, "/abs", ExpandPath("/abs"))
	assert.Equal(t, "~other", ExpandPath("~other"))
}

func TestCheck(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.ApplyOptions("core.system.queue_size=many@@core.system.poll_interval=250ms"))

	assert.NoError(t, cfg.Check("core.system.shutdown_time", KindInt))
	assert.NoError(t, cfg.Check("core.system.poll_interval", KindDuration))
	assert.NoError(t, cfg.Check("core.paths.plugins", KindListStr))
	assert.ErrorIs(t, cfg.Check("core.system.queue_size", KindInt), ErrType)
	assert.ErrorIs(t, cfg.Check("core.system.missing", KindInt), ErrNotFound)
	assert.ErrorIs(t, cfg.Check("core.system", KindInt), ErrPathTooShort)
}
