package doctor

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// testConfig returns the defaults rooted in a fresh user directory.
func testConfig(t *testing.T, opts string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	require.NoError(t, cfg.Set("core.paths.user_directory", dir, config.LayerInput))
	if opts != "" {
		require.NoError(t, cfg.ApplyOptions(opts))
	}
	return cfg, dir
}

func builtinMap(content string) keymap.Source {
	return keymap.FS(fstest.MapFS{"events.map": {Data: []byte(content)}}, "events.map")
}

func fields(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Field)
	}
	return out
}

func TestValidateDefaults(t *testing.T) {
	cfg, _ := testConfig(t, "")
	d := New(cfg, nil, []string{"volume", "autoshutdown"}, builtinMap("A|volume_up\n"))

	r := d.Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidateTypes(t *testing.T) {
	tests := []struct {
		name  string
		opts  string
		field string
	}{
		{name: "queue size not an int", opts: "core.system.queue_size=[1, 2]", field: "core.system.queue_size"},
		{name: "bad duration", opts: "core.system.poll_interval=soon", field: "core.system.poll_interval"},
		{name: "debug not a bool", opts: "core.system.debug=maybe", field: "core.system.debug"},
		{name: "zero main queue", opts: "core.system.main_queue_size=0", field: "core.system.main_queue_size"},
		{name: "negative shutdown delay", opts: "core.system.shutdown_time=-1", field: "core.system.shutdown_time"},
		{name: "empty delimiter", opts: "core.mapping.delimiter=", field: "core.mapping.delimiter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t, tt.opts)
			r := New(cfg, nil, nil, nil).Validate()
			assert.False(t, r.Valid)
			assert.Contains(t, fields(r.Errors), tt.field)
		})
	}
}

func TestValidateDebugWarns(t *testing.T) {
	cfg, _ := testConfig(t, "core.system.debug=true")
	r := New(cfg, nil, nil, nil).Validate()
	assert.True(t, r.Valid)
	assert.Contains(t, fields(r.Warnings), "core.system.debug")
}

func TestValidateMaps(t *testing.T) {
	cfg, dir := testConfig(t, "")
	user := "# comment\nA|volume_down\n|orphan\nB|=x\nC\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.map"), []byte(user), 0o644))

	r := New(cfg, nil, nil, builtinMap("A|volume_up\n")).Validate()
	assert.False(t, r.Valid)

	userPath := filepath.Join(dir, "events.map")
	assert.ElementsMatch(t, []string{userPath + ":3", userPath + ":4"}, fields(r.Errors))

	var msgs []string
	for _, w := range r.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, msgs, `key "A" overrides the built-in map`)
	assert.Contains(t, msgs, `key "C" maps to nothing and is ignored`)
}

func TestValidateMalformedBuiltin(t *testing.T) {
	cfg, _ := testConfig(t, "")
	r := New(cfg, nil, nil, builtinMap("ok|volume_up\n|broken\n")).Validate()
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"events.map:2"}, fields(r.Errors))
}

func TestValidateManifests(t *testing.T) {
	root := t.TempDir()
	writeManifest := func(dir, manifest string) {
		p := filepath.Join(root, dir)
		require.NoError(t, os.MkdirAll(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "manifest.yaml"), []byte(manifest), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(p, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	}
	writeManifest("noproto", "name: noproto\nentrypoint: run.sh\n")
	writeManifest("clash", "name: volume\nprotocol: 1\nentrypoint: run.sh\n")
	writeManifest("fifo", "name: inputfifo\nprotocol: 1\nentrypoint: run.sh\n")

	reg, err := plugin.Discover([]string{root}, nil)
	require.NoError(t, err)

	cfg, _ := testConfig(t, "")
	r := New(cfg, reg, []string{"volume"}, nil).Validate()
	assert.False(t, r.Valid)
	assert.ElementsMatch(t, []string{filepath.Join(root, "noproto"), "volume"}, fields(r.Errors))
}

func TestValidateBlacklist(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Add(&plugin.External{Manifest: plugin.Manifest{Name: "inputfifo"}}))

	cfg, _ := testConfig(t, "core.plugins.blacklist=[volume, inputfifo, ghost]")
	r := New(cfg, reg, []string{"volume"}, nil).Validate()
	assert.True(t, r.Valid)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, `blacklisted plugin "ghost" is unknown`, r.Warnings[0].Message)
}

func TestValidatePassthrough(t *testing.T) {
	cfg, _ := testConfig(t, "core.events.passthrough=[busy, volume_changed, shutdown, raw]")
	r := New(cfg, nil, nil, nil).Validate()
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 3)
	for _, w := range r.Warnings {
		assert.Equal(t, "events", w.Category)
	}
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name      string
		opts      string
		wantErr   bool
		wantWarns int
	}{
		{name: "loopback", opts: "core.api.enabled=true"},
		{name: "localhost", opts: "core.api.enabled=true@@core.api.listen=localhost:7420"},
		{name: "open without token", opts: "core.api.enabled=true@@core.api.listen=0.0.0.0:7420", wantWarns: 1},
		{name: "open with token", opts: "core.api.enabled=true@@core.api.listen=:7420@@core.api.token=s3cret"},
		{name: "bad address", opts: "core.api.enabled=true@@core.api.listen=nohost", wantErr: true},
		{name: "disabled ignores address", opts: "core.api.listen=nohost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t, tt.opts)
			r := New(cfg, nil, nil, nil).Validate()
			assert.Equal(t, !tt.wantErr, r.Valid, "errors: %v", r.Errors)
			assert.Len(t, r.Warnings, tt.wantWarns)
		})
	}
}
