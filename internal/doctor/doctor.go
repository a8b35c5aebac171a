// Package doctor validates the configuration, the event maps and the plugin
// set without starting the supervisor.
package doctor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the available plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
	builtins []string
	builtin  keymap.Source
}

// New creates a Doctor. builtins are the compiled-in plugin names and
// builtinMap the map shipped with the binary; either may be empty.
func New(cfg *config.Config, registry *plugin.Registry, builtins []string, builtinMap keymap.Source) *Doctor {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry, builtins: builtins, builtin: builtinMap}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTypes(r)
	d.validateSystem(r)
	d.validateAPI(r)
	d.validateMaps(r)
	d.validateManifests(r)
	d.validateBlacklist(r)
	d.warnPassthrough(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

var coreKinds = map[string]config.Kind{
	"core.paths.user_directory":   config.KindStr,
	"core.paths.plugins":          config.KindListStr,
	"core.paths.eventmap":         config.KindStr,
	"core.paths.state":            config.KindStr,
	"core.paths.pidfile":          config.KindStr,
	"core.mapping.delimiter":      config.KindStr,
	"core.mapping.watch":          config.KindBool,
	"core.events.passthrough":     config.KindListStr,
	"core.plugins.blacklist":      config.KindListStr,
	"core.system.shutdown_time":   config.KindInt,
	"core.system.debug":           config.KindBool,
	"core.system.poll_interval":   config.KindDuration,
	"core.system.queue_size":      config.KindInt,
	"core.system.main_queue_size": config.KindInt,
	"core.logging.level":          config.KindStr,
	"core.logging.format":         config.KindStr,
	"core.api.enabled":            config.KindBool,
	"core.api.listen":             config.KindStr,
}

// validateTypes checks that every core setting converts to its type.
func (d *Doctor) validateTypes(r *Result) {
	paths := make([]string, 0, len(coreKinds))
	for p := range coreKinds {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := d.cfg.Check(p, coreKinds[p]); err != nil {
			d.addError(r, "config", p, err.Error())
		}
	}
}

func (d *Doctor) validateSystem(r *Result) {
	for _, p := range []string{"core.system.queue_size", "core.system.main_queue_size"} {
		if d.cfg.Check(p, config.KindInt) == nil && d.cfg.GetInt(p, 1) <= 0 {
			d.addError(r, "config", p, "queue size must be positive")
		}
	}
	if d.cfg.Check("core.system.shutdown_time", config.KindInt) == nil && d.cfg.GetInt("core.system.shutdown_time", 0) < 0 {
		d.addError(r, "config", "core.system.shutdown_time", "shutdown delay must not be negative")
	}
	if d.cfg.Check("core.system.poll_interval", config.KindDuration) == nil && d.cfg.GetDuration("core.system.poll_interval", 1) <= 0 {
		d.addError(r, "config", "core.system.poll_interval", "poll interval must be positive")
	}
	if d.cfg.GetStr("core.mapping.delimiter", keymap.DefaultDelimiter) == "" {
		d.addError(r, "config", "core.mapping.delimiter", "delimiter must not be empty")
	}
	switch strings.ToLower(d.cfg.GetStr("core.logging.format", "json")) {
	case "json", "text":
	default:
		d.addWarning(r, "config", "core.logging.format", "unknown log format, json is used")
	}
	if d.cfg.GetBool("core.system.debug", false) {
		d.addWarning(r, "config", "core.system.debug", "debug mode is on, shutdown events will not power off")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.GetBool("core.api.enabled", false) {
		return
	}
	listen := d.cfg.GetStr("core.api.listen", "")
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		d.addError(r, "api", "core.api.listen", fmt.Sprintf("invalid listen address %q: %v", listen, err))
		return
	}
	ip := net.ParseIP(host)
	local := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !local && d.cfg.GetStr("core.api.token", "") == "" {
		d.addWarning(r, "api", "core.api.listen", "API listens beyond loopback without a token")
	}
}

// validateMaps parses the built-in and user maps and reports malformed lines.
func (d *Doctor) validateMaps(r *Result) {
	delim := d.cfg.GetStr("core.mapping.delimiter", keymap.DefaultDelimiter)
	if delim == "" {
		return
	}

	var builtin map[string]keymap.Item
	if d.builtin != nil {
		data, err := d.builtin.Read()
		if err != nil {
			d.addError(r, "eventmap", d.builtin.Name(), err.Error())
		} else {
			builtin = d.parseMap(r, d.builtin.Name(), data, delim)
		}
	}

	userPath := d.cfg.UserPath(d.cfg.GetStr("core.paths.eventmap", "events.map"))
	data, err := os.ReadFile(userPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		d.addError(r, "eventmap", userPath, err.Error())
		return
	}
	user := d.parseMap(r, userPath, data, delim)

	keys := make([]string, 0, len(user))
	for k := range user {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := builtin[k]; ok {
			d.addWarning(r, "eventmap", userPath, fmt.Sprintf("key %q overrides the built-in map", k))
		}
		if user[k].IsEmpty() {
			d.addWarning(r, "eventmap", userPath, fmt.Sprintf("key %q maps to nothing and is ignored", k))
		}
	}
}

func (d *Doctor) parseMap(r *Result, name string, data []byte, delim string) map[string]keymap.Item {
	entries, bad := keymap.Parse(data, delim)
	for _, le := range bad {
		d.addError(r, "eventmap", fmt.Sprintf("%s:%d", name, le.Line), le.Err.Error())
	}
	return entries
}

// validateManifests reports external plugins that could not be loaded.
func (d *Doctor) validateManifests(r *Result) {
	invalid := d.registry.Invalid()
	dirs := make([]string, 0, len(invalid))
	for dir := range invalid {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		d.addError(r, "plugins", dir, invalid[dir].Error())
	}
	for _, name := range d.registry.Names() {
		if slices.Contains(d.builtins, name) {
			d.addError(r, "plugins", name, fmt.Sprintf("external plugin %q clashes with a built-in plugin", name))
		}
	}
}

func (d *Doctor) validateBlacklist(r *Result) {
	for _, name := range d.cfg.GetListStr("core.plugins.blacklist", nil) {
		if slices.Contains(d.builtins, name) {
			continue
		}
		if _, ok := d.registry.Get(name); ok {
			continue
		}
		d.addWarning(r, "plugins", "core.plugins.blacklist", fmt.Sprintf("blacklisted plugin %q is unknown", name))
	}
}

func (d *Doctor) warnPassthrough(r *Result) {
	for _, name := range d.cfg.GetListStr("core.events.passthrough", nil) {
		switch name {
		case event.Busy, event.Idle, event.Shutdown:
			d.addWarning(r, "events", "core.events.passthrough",
				fmt.Sprintf("%q is handled by the supervisor and never passed through", name))
		case event.Raw:
			d.addWarning(r, "events", "core.events.passthrough", `"raw" is always translated, listing it has no effect`)
		}
	}
}
