package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_supervisor.go -package=mocks github.com/mattjoyce/plapperkasten/internal/supervisor Translator,Powerer

// Translator turns a raw key into an event.
type Translator interface {
	GetEvent(key string) (event.Event, error)
}

// Powerer switches the machine off after a delay in minutes.
type Powerer interface {
	Poweroff(ctx context.Context, minutes int) error
}

// Collector is the log collector joined after all workers.
type Collector interface {
	Stop()
}

// Publisher receives observations for the feed.
type Publisher interface {
	Publish(kind string, data any)
}

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultQueueSize     = 64
	DefaultMainQueueSize = 256
	DefaultShutdownDelay = 1
)

// Options configures a Supervisor. Zero values take the defaults; a zero
// ShutdownDelay powers off immediately.
type Options struct {
	// Passthrough lists event names that are re-emitted when a plugin sends
	// them verbatim. Translated raw events are always emitted.
	Passthrough   []string
	PollInterval  time.Duration
	QueueSize     int
	MainQueueSize int
	// ShutdownDelay is handed to Powerer in minutes.
	ShutdownDelay int
	// Debug suppresses the power off.
	Debug     bool
	Powerer   Powerer
	Collector Collector
	Metrics   *metrics.Metrics
	Feed      Publisher
	Logger    *slog.Logger
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MainQueueSize <= 0 {
		o.MainQueueSize = DefaultMainQueueSize
	}
	if o.ShutdownDelay < 0 {
		o.ShutdownDelay = DefaultShutdownDelay
	}
}

// Phase is the supervisor's lifecycle state. It only moves forward.
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseTerminating
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseTerminating:
		return "terminating"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PluginStatus describes one hosted plugin.
type PluginStatus struct {
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Busy   bool     `json:"busy"`
	Queued int      `json:"queued"`
	Linked bool     `json:"linked"`
	Events []string `json:"events"`
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Phase             string              `json:"phase"`
	Busy              int                 `json:"busy"`
	ShutdownRequested bool                `json:"shutdown_requested"`
	MainQueue         int                 `json:"main_queue"`
	Plugins           []PluginStatus      `json:"plugins"`
	Subscriptions     map[string][]string `json:"subscriptions"`
}
