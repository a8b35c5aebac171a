package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/queue"
)

// DefaultTickInterval is the tick interval of a worker unless the plugin
// changes it in Init.
const DefaultTickInterval = time.Second

// State is the liveness of a worker.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateTerminating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker runs one plugin on its own goroutine. It receives events from its
// inbound queue and sends events to the supervisor through the shared
// outbound queue.
type Worker struct {
	name     string
	plugin   Plugin
	inbound  *queue.Queue
	outbound *queue.Queue
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	events   []string

	tick      atomic.Int64
	busy      atomic.Bool
	terminate atomic.Bool
	state     atomic.Int32
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds the worker for p and runs p.Init. The terminate handler is
// always installed.
func NewWorker(name string, p Plugin, cfg *config.Config, inbound, outbound *queue.Queue) (*Worker, error) {
	if name == "" {
		return nil, errors.New("plugin name is required")
	}
	if p == nil {
		return nil, fmt.Errorf("plugin %q: nil plugin", name)
	}
	if inbound == nil || outbound == nil {
		return nil, fmt.Errorf("plugin %q: inbound and outbound queues are required", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:     name,
		plugin:   p,
		inbound:  inbound,
		outbound: outbound,
		logger:   log.WithPlugin(name),
		handlers: map[string]Handler{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.tick.Store(int64(DefaultTickInterval))
	w.state.Store(int32(StateStarting))

	if err := w.RegisterFor(event.Terminate, func(event.Event) {}); err != nil {
		cancel()
		return nil, err
	}

	w.logger.Debug("initialising plugin")
	if err := p.Init(w, cfg); err != nil {
		cancel()
		return nil, fmt.Errorf("init plugin %q: %w", name, err)
	}
	w.logger.Debug("initialised plugin", "events", w.Events())
	return w, nil
}

// Name returns the plugin name known to the supervisor.
func (w *Worker) Name() string { return w.name }

// Logger returns the plugin's logger.
func (w *Worker) Logger() *slog.Logger { return w.logger }

// Plugin returns the hosted plugin.
func (w *Worker) Plugin() Plugin { return w.plugin }

// Inbound returns the worker's inbound queue.
func (w *Worker) Inbound() *queue.Queue { return w.inbound }

// RegisterFor binds h to the named event. Registering the same event again
// replaces its handler. A handler for terminate runs before the worker stops.
func (w *Worker) RegisterFor(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("plugin %q: cannot register for an unnamed event", w.name)
	}
	if h == nil {
		return fmt.Errorf("plugin %q: nil handler for %q", w.name, name)
	}
	if name == event.Terminate {
		inner := h
		h = func(ev event.Event) {
			defer w.Terminate()
			inner(ev)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.handlers[name]; !exists {
		w.events = append(w.events, name)
	}
	w.handlers[name] = h
	return nil
}

// Events returns the registered event names in registration order.
func (w *Worker) Events() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.events...)
}

// SetTickInterval changes the time between ticks. Non-positive values are
// ignored.
func (w *Worker) SetTickInterval(d time.Duration) {
	if d <= 0 {
		w.logger.Warn("ignoring non-positive tick interval", "interval", d)
		return
	}
	w.tick.Store(int64(d))
}

// TickInterval returns the time between ticks.
func (w *Worker) TickInterval() time.Duration {
	return time.Duration(w.tick.Load())
}

// SendToMain sends an event to the supervisor. It never blocks; the event is
// dropped when the shared queue is full.
func (w *Worker) SendToMain(name string, values []string, params map[string]string) {
	ev := event.New(name, values, params)
	err := w.outbound.Put(ev)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		log.Critical(w.logger, "queue from plugins full", "event", name, "event_id", ev.ID)
	default:
		w.logger.Error("cannot send to main", "event", name, "error", err)
	}
}

// SendBusy tells the supervisor this plugin is busy. Only the idle to busy
// transition is sent.
func (w *Worker) SendBusy() {
	if w.busy.CompareAndSwap(false, true) {
		w.SendToMain(event.Busy, nil, nil)
	}
}

// SendIdle tells the supervisor this plugin is idle again. Only the busy to
// idle transition is sent.
func (w *Worker) SendIdle() {
	if w.busy.CompareAndSwap(true, false) {
		w.SendToMain(event.Idle, nil, nil)
	}
}

// IsBusy reports the plugin's own busy flag.
func (w *Worker) IsBusy() bool { return w.busy.Load() }

// State returns the worker's liveness.
func (w *Worker) State() State { return State(w.state.Load()) }

// Start launches the worker goroutine.
func (w *Worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("plugin %q already started", w.name)
	}
	go w.run()
	return nil
}

// Terminate asks the worker to leave its loop. It does not wait.
func (w *Worker) Terminate() {
	w.terminate.Store(true)
	w.state.CompareAndSwap(int32(StateStarting), int32(StateTerminating))
	w.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating))
	w.cancel()
}

// Terminating reports whether Terminate has been called.
func (w *Worker) Terminating() bool { return w.terminate.Load() }

// Done is closed when the worker goroutine has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the worker has stopped or timeout elapses. A worker that
// was never started counts as stopped.
func (w *Worker) Wait(timeout time.Duration) bool {
	if !w.started.Load() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.state.Store(int32(StateStopped))
	// A closed inbound queue tells the supervisor to drop this subscriber.
	defer w.inbound.Close()
	defer w.cancel()

	w.logger.Debug("running")
	if br, ok := w.plugin.(BeforeRunner); ok {
		var err error
		w.guard("before_run", func() { err = br.BeforeRun() })
		if err != nil {
			w.logger.Error("before run failed, stopping", "error", err)
			return
		}
	}
	w.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))

	ticker, _ := w.plugin.(Ticker)
	for !w.terminate.Load() {
		if ticker != nil {
			w.guard("tick", ticker.Tick)
			if w.terminate.Load() {
				break
			}
		}

		ev, err := w.inbound.Get(w.ctx, w.TickInterval())
		switch {
		case err == nil:
			w.dispatch(ev)
		case errors.Is(err, queue.ErrEmpty), errors.Is(err, context.Canceled):
		case errors.Is(err, queue.ErrClosed):
			w.logger.Error("plugin holds a closed queue")
			w.pause()
		default:
			w.logger.Error("receiving event", "error", err)
			w.pause()
		}
	}

	w.state.Store(int32(StateTerminating))
	if ar, ok := w.plugin.(AfterRunner); ok {
		w.guard("after_run", ar.AfterRun)
	}
	w.logger.Debug("exited main loop")
}

func (w *Worker) dispatch(ev event.Event) {
	w.mu.RLock()
	h, ok := w.handlers[ev.Name]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("no handler for event", "event", ev.Name, "event_id", ev.ID)
		return
	}
	w.guard("handle "+ev.Name, func() { h(ev) })
}

// guard runs fn and turns a panic into a log record.
func (w *Worker) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("plugin panicked", "in", what, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// pause waits one tick or until terminated.
func (w *Worker) pause() {
	timer := time.NewTimer(w.TickInterval())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.ctx.Done():
	}
}
