// Package volume keeps a software volume level, persists it across restarts
// and optionally pushes it to a mixer command.
package volume

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
	"github.com/mattjoyce/plapperkasten/internal/state"
	"github.com/mattjoyce/plapperkasten/internal/storage"
	"github.com/mattjoyce/plapperkasten/internal/system"
)

// Name is the registry name.
const Name = "volume"

// Events handled by the plugin.
const (
	EventUp      = "volume_up"
	EventDown    = "volume_down"
	EventSet     = "volume_set"
	EventMax     = "volume_max"
	EventChanged = "volume_changed"
)

const (
	placeholder    = "{level}"
	commandTimeout = 5 * time.Second
)

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New(nil) })
}

type persisted struct {
	Level int `json:"level"`
	Max   int `json:"max"`
}

// Plugin is the volume keeper.
type Plugin struct {
	w         *plugin.Worker
	logger    *slog.Logger
	run       system.Runner
	statePath string
	command   []string
	step      int

	mu    sync.Mutex
	level int
	max   int
	db    *sql.DB
	store *state.Store
}

// New returns a plugin that runs the mixer command with run, or os/exec when
// run is nil.
func New(run system.Runner) *Plugin {
	if run == nil {
		run = system.Exec
	}
	return &Plugin{run: run, level: 30, max: 100, step: 5}
}

func (p *Plugin) Init(w *plugin.Worker, cfg *config.Config) error {
	p.w = w
	p.logger = w.Logger()
	if cfg != nil {
		p.level = cfg.GetInt("plugins.volume.initial", p.level)
		p.max = clamp(cfg.GetInt("plugins.volume.max", p.max), 0, 100)
		p.step = cfg.GetInt("plugins.volume.step", p.step)
		p.command = cfg.GetListStr("plugins.volume.command", nil)
		p.statePath = cfg.UserPath(cfg.GetStr("core.paths.state", "state.db"))
	}
	p.level = clamp(p.level, 0, p.max)

	handlers := []struct {
		name string
		h    plugin.Handler
	}{
		{EventUp, p.onUp},
		{EventDown, p.onDown},
		{EventSet, p.onSet},
		{EventMax, p.onMax},
	}
	for _, r := range handlers {
		if err := w.RegisterFor(r.name, r.h); err != nil {
			return err
		}
	}
	return nil
}

// BeforeRun opens the state database and restores the last level.
func (p *Plugin) BeforeRun() error {
	if p.statePath == "" {
		p.apply()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, p.statePath)
	if err != nil {
		// Volume still works, it is just not remembered.
		p.logger.Error("cannot open state, level is not persisted", "path", p.statePath, "error", err)
		p.apply()
		return nil
	}
	store := state.NewStore(db)
	saved := persisted{Level: p.level, Max: p.max}
	if err := store.Load(ctx, Name, &saved); err != nil {
		p.logger.Error("cannot restore level", "error", err)
	}

	p.mu.Lock()
	p.db, p.store = db, store
	if saved.Max > 0 {
		p.max = clamp(saved.Max, 0, 100)
	}
	p.level = clamp(saved.Level, 0, p.max)
	p.mu.Unlock()

	p.logger.Debug("restored level", "level", saved.Level, "max", p.max)
	p.apply()
	return nil
}

// AfterRun closes the state database.
func (p *Plugin) AfterRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		_ = p.db.Close()
		p.db, p.store = nil, nil
	}
}

// Level returns the current level.
func (p *Plugin) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *Plugin) onUp(ev event.Event) { p.change(p.stepOf(ev)) }

func (p *Plugin) onDown(ev event.Event) { p.change(-p.stepOf(ev)) }

func (p *Plugin) onSet(ev event.Event) {
	v, ok := ev.Param("level")
	if !ok {
		v, ok = ev.Value(0)
	}
	if !ok {
		p.logger.Error("volume_set without level", "event_id", ev.ID)
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.logger.Error("invalid level", "value", v, "event_id", ev.ID)
		return
	}
	p.mu.Lock()
	delta := n - p.level
	p.mu.Unlock()
	p.change(delta)
}

func (p *Plugin) onMax(ev event.Event) {
	v, ok := ev.Value(0)
	if !ok {
		p.logger.Error("cannot set maximal volume, no volume provided")
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.logger.Error("cannot set maximal volume, invalid value", "value", v)
		return
	}
	p.mu.Lock()
	p.max = clamp(n, 0, 100)
	over := p.level > p.max
	p.mu.Unlock()
	p.logger.Debug("max volume set", "max", n)

	if over {
		p.change(0)
		return
	}
	p.save()
}

func (p *Plugin) stepOf(ev event.Event) int {
	if v, ok := ev.Param("step"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		p.logger.Error("invalid step, using default", "value", v)
	}
	return p.step
}

// change moves the level by delta within [0, max], then saves, applies and
// announces it.
func (p *Plugin) change(delta int) {
	p.mu.Lock()
	before := p.level
	p.level = clamp(p.level+delta, 0, p.max)
	after := p.level
	p.mu.Unlock()

	if after == before && delta != 0 {
		return
	}
	p.save()
	p.apply()
	p.w.SendToMain(EventChanged, []string{strconv.Itoa(after)}, nil)
}

func (p *Plugin) save() {
	p.mu.Lock()
	store := p.store
	cur := map[string]any{"level": p.level, "max": p.max}
	p.mu.Unlock()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := store.Merge(ctx, Name, cur); err != nil {
		p.logger.Error("cannot save level", "error", err)
	}
}

// apply runs the mixer command, if any, for the current level.
func (p *Plugin) apply() {
	if len(p.command) == 0 {
		return
	}
	level := strconv.Itoa(p.Level())
	args := make([]string, len(p.command)-1)
	for i, a := range p.command[1:] {
		args[i] = strings.ReplaceAll(a, placeholder, level)
	}

	p.w.SendBusy()
	defer p.w.SendIdle()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if out, err := p.run(ctx, p.command[0], args...); err != nil {
		p.logger.Error("mixer command failed", "command", p.command[0], "error", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
