// Package autoshutdown asks for a shutdown once the appliance has been idle
// for a configured time.
package autoshutdown

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
)

// Name is the registry name.
const Name = "autoshutdown"

const defaultIdleTime = 300 * time.Second

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New() })
}

// Plugin counts down while every plugin is idle and sends shutdown when
// the countdown ends.
type Plugin struct {
	w        *plugin.Worker
	logger   *slog.Logger
	idleTime time.Duration
	now      func() time.Time

	mu        sync.Mutex
	idle      bool
	idleSince time.Time
	sent      bool
}

// New returns an unconfigured plugin.
func New() *Plugin {
	return &Plugin{idleTime: defaultIdleTime, now: time.Now}
}

func (p *Plugin) Init(w *plugin.Worker, cfg *config.Config) error {
	p.w = w
	p.logger = w.Logger()
	if cfg != nil {
		secs := cfg.GetInt("plugins.autoshutdown.idle_time", int(defaultIdleTime/time.Second))
		p.idleTime = time.Duration(secs) * time.Second
	}
	w.SetTickInterval(time.Second)
	if err := w.RegisterFor(event.Idle, p.onIdle); err != nil {
		return err
	}
	return w.RegisterFor(event.Busy, p.onBusy)
}

func (p *Plugin) onIdle(event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idle {
		return
	}
	p.idle = true
	p.idleSince = p.now()
	p.logger.Debug("beginning countdown", "idle_time", p.idleTime.String())
}

func (p *Plugin) onBusy(event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = false
	p.sent = false
}

// Remaining returns the time left before shutdown, or the full idle time
// while something is busy.
func (p *Plugin) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.idle {
		return p.idleTime
	}
	return max(p.idleTime-p.now().Sub(p.idleSince), 0)
}

func (p *Plugin) Tick() {
	left := p.Remaining()

	p.mu.Lock()
	fire := p.idle && !p.sent && left <= 0
	if fire {
		p.sent = true
	}
	p.mu.Unlock()

	if fire {
		p.logger.Info("idle time elapsed, requesting shutdown")
		p.w.SendToMain(event.Shutdown, nil, nil)
	}
}
