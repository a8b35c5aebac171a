// Package supervisor owns the subscription table, the queues and the
// dispatch loop that connects plugin workers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/metrics"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
	"github.com/mattjoyce/plapperkasten/internal/queue"
	"github.com/mattjoyce/plapperkasten/internal/system"
)

const (
	joinReport      = 5 * time.Second
	poweroffTimeout = 30 * time.Second
)

// Supervisor routes events between plugin workers.
type Supervisor struct {
	tr          Translator
	opts        Options
	logger      *slog.Logger
	passthrough map[string]struct{}
	main        *queue.Queue

	mu      sync.Mutex
	subs    map[string][]string
	queues  map[string]*queue.Queue
	workers map[string]*plugin.Worker
	order   []string
	busy    int

	terminate atomic.Bool
	shutdown  atomic.Bool
	started   atomic.Bool
	phase     atomic.Int32
}

// New builds a supervisor. tr translates raw keys and may be nil when no
// map is in use.
func New(tr Translator, opts Options) (*Supervisor, error) {
	opts.withDefaults()
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("supervisor")
	}
	if opts.Powerer == nil {
		opts.Powerer = system.NewShutdown(nil)
	}
	main, err := queue.New("main", opts.MainQueueSize)
	if err != nil {
		return nil, fmt.Errorf("create main queue: %w", err)
	}

	pass := make(map[string]struct{}, len(opts.Passthrough))
	for _, name := range opts.Passthrough {
		pass[name] = struct{}{}
	}

	return &Supervisor{
		tr:          tr,
		opts:        opts,
		logger:      opts.Logger,
		passthrough: pass,
		main:        main,
		subs:        map[string][]string{},
		queues:      map[string]*queue.Queue{},
		workers:     map[string]*plugin.Worker{},
	}, nil
}

// Main returns the shared queue workers send to.
func (s *Supervisor) Main() *queue.Queue { return s.main }

// Phase returns the lifecycle phase.
func (s *Supervisor) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Supervisor) advance(to Phase) {
	for {
		cur := s.phase.Load()
		if cur >= int32(to) {
			return
		}
		if s.phase.CompareAndSwap(cur, int32(to)) {
			s.logger.Info("phase changed", "from", Phase(cur).String(), "to", to.String())
			s.publish(feed.KindPhase, map[string]string{"phase": to.String()})
			return
		}
	}
}

// AddPlugin allocates the inbound queue for p, builds its worker and
// subscribes it to the events it registered for. A failure only affects
// this plugin.
func (s *Supervisor) AddPlugin(name string, p plugin.Plugin, cfg *config.Config) error {
	if s.started.Load() {
		return fmt.Errorf("plugin %q: supervisor already running", name)
	}
	s.mu.Lock()
	_, dup := s.workers[name]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("plugin %q already added", name)
	}

	inbound, err := queue.New(name, s.opts.QueueSize)
	if err != nil {
		return fmt.Errorf("plugin %q: allocate queue: %w", name, err)
	}
	w, err := plugin.NewWorker(name, p, cfg, inbound, s.main)
	if err != nil {
		inbound.Close()
		return err
	}

	s.mu.Lock()
	s.queues[name] = inbound
	s.workers[name] = w
	s.order = append(s.order, name)
	n := len(s.queues)
	s.mu.Unlock()

	for _, ev := range w.Events() {
		s.Register(ev, name, false)
	}
	s.Register(event.Terminate, name, false)
	s.opts.Metrics.SetPlugins(n)
	s.logger.Info("plugin added", "plugin", name, "events", w.Events())
	return nil
}

// Emit pushes a fresh event to every current subscriber of name.
func (s *Supervisor) Emit(name string, values []string, params map[string]string) {
	s.emit(name, values, params)
}

// emit is Emit returning the subscribers whose queue was full.
func (s *Supervisor) emit(name string, values []string, params map[string]string) []string {
	subs := s.Subscribers(name)
	if len(subs) == 0 {
		s.logger.Debug("no subscribers", "event", name)
		return nil
	}
	s.opts.Metrics.Emitted(name)
	s.publish(feed.KindEmitted, map[string]any{
		"name": name, "values": values, "params": params, "subscribers": subs,
	})

	var missed []string
	for _, who := range subs {
		s.mu.Lock()
		q := s.queues[who]
		s.mu.Unlock()

		if q == nil {
			s.logger.Error("queue missing, dropping subscriber", "event", name, "plugin", who)
			s.opts.Metrics.Dropped(metrics.ReasonClosed)
			s.dropSubscriber(who)
			continue
		}

		ev := event.New(name, values, params)
		err := q.Put(ev)
		switch {
		case err == nil:
			s.opts.Metrics.Delivered(who)
		case errors.Is(err, queue.ErrFull):
			log.Critical(s.logger, "queue full, event dropped", "event", name, "event_id", ev.ID, "plugin", who)
			s.opts.Metrics.Dropped(metrics.ReasonFull)
			s.publish(feed.KindDropped, map[string]string{"name": name, "plugin": who, "reason": metrics.ReasonFull})
			missed = append(missed, who)
		default:
			s.logger.Error("queue closed, dropping subscriber", "event", name, "plugin", who, "error", err)
			s.opts.Metrics.Dropped(metrics.ReasonClosed)
			s.dropSubscriber(who)
		}
	}
	return missed
}

// ProcessEvent handles one event taken from the main queue.
func (s *Supervisor) ProcessEvent(ev event.Event) {
	translated := false
	if ev.Name == event.Raw {
		key, ok := ev.Value(0)
		if !ok {
			s.logger.Error("raw event without key", "event_id", ev.ID)
			return
		}
		if s.tr == nil {
			s.logger.Error("no event map, raw key dropped", "key", key)
			s.opts.Metrics.Dropped(metrics.ReasonUnmapped)
			return
		}
		out, err := s.tr.GetEvent(key)
		if err != nil {
			s.opts.Metrics.Dropped(metrics.ReasonUnmapped)
			s.publish(feed.KindUnmapped, map[string]string{"key": key})
			return
		}
		s.opts.Metrics.Translated()
		s.publish(feed.KindTranslated, map[string]string{"key": key, "name": out.Name})
		ev = out
		translated = true
	}
	if ev.IsEmpty() {
		return
	}

	switch ev.Name {
	case event.Busy:
		s.onBusy()
		return
	case event.Idle:
		s.onIdle()
		return
	case event.Shutdown:
		// The reaction emits shutdown itself.
		s.onShutdown()
		return
	}

	if translated {
		s.Emit(ev.Name, ev.Values, ev.Params)
		return
	}
	if _, ok := s.passthrough[ev.Name]; ok {
		s.Emit(ev.Name, ev.Values, ev.Params)
		return
	}
	s.logger.Debug("event not in passthrough", "event", ev.Name, "event_id", ev.ID)
}

func (s *Supervisor) onBusy() {
	s.mu.Lock()
	s.busy++
	n := s.busy
	s.mu.Unlock()

	s.opts.Metrics.SetBusy(n)
	if n == 1 {
		s.publish(feed.KindBusy, map[string]int{"busy": n})
		s.Emit(event.Busy, nil, nil)
	}
}

func (s *Supervisor) onIdle() {
	s.mu.Lock()
	if s.busy == 0 {
		s.mu.Unlock()
		s.logger.Error("idle received while no plugin is busy")
		return
	}
	s.busy--
	n := s.busy
	s.mu.Unlock()

	s.opts.Metrics.SetBusy(n)
	if n == 0 {
		s.allIdle()
	}
}

func (s *Supervisor) allIdle() {
	s.publish(feed.KindIdle, map[string]int{"busy": 0})
	s.Emit(event.Idle, nil, nil)
}

func (s *Supervisor) onShutdown() {
	s.logger.Info("shutdown requested")
	s.shutdown.Store(true)
	s.Emit(event.Shutdown, nil, nil)
	s.RequestTerminate()
}

// RequestTerminate emits terminate and ends the main loop. Workers stop once
// they dequeue terminate, after everything queued before it. A worker whose
// queue was too full to take terminate is stopped directly.
func (s *Supervisor) RequestTerminate() {
	if !s.terminate.CompareAndSwap(false, true) {
		return
	}
	s.advance(PhaseTerminating)
	missed := s.emit(event.Terminate, nil, nil)
	if len(missed) > 0 {
		s.terminateWorkers(missed)
	}
}

// signalTerminate is the path for OS signals: besides emitting terminate it
// sets every worker's flag, so workers stop at their next tick boundary.
func (s *Supervisor) signalTerminate() {
	s.RequestTerminate()
	s.terminateWorkers(nil)
}

// terminateWorkers sets the terminate flag of the named workers, or of all
// workers when names is nil.
func (s *Supervisor) terminateWorkers(names []string) {
	s.mu.Lock()
	workers := make([]*plugin.Worker, 0, len(s.workers))
	for name, w := range s.workers {
		if names == nil || slices.Contains(names, name) {
			workers = append(workers, w)
		}
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Terminate()
	}
}

// Terminating reports whether termination has been requested.
func (s *Supervisor) Terminating() bool { return s.terminate.Load() }

// ShutdownRequested reports whether a shutdown event was processed.
func (s *Supervisor) ShutdownRequested() bool { return s.shutdown.Load() }

// Inject puts ev on the main queue as if a worker had sent it.
func (s *Supervisor) Inject(ev event.Event) error {
	err := s.main.Put(ev)
	if errors.Is(err, queue.ErrFull) {
		log.Critical(s.logger, "main queue full", "event", ev.Name, "event_id", ev.ID)
	}
	return err
}

// Run starts all workers and processes the main queue until termination.
// Cancelling ctx is treated like a terminate signal.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}

	s.mu.Lock()
	names := slices.Clone(s.order)
	s.mu.Unlock()

	for _, name := range names {
		s.mu.Lock()
		w := s.workers[name]
		s.mu.Unlock()
		if err := w.Start(); err != nil {
			s.logger.Error("cannot start plugin", "plugin", name, "error", err)
		}
	}

	if len(names) == 0 {
		s.logger.Warn("no plugins loaded, nothing to do")
		s.terminate.Store(true)
		s.advance(PhaseTerminating)
	} else {
		s.logger.Info("plugins started", "count", len(names))
		s.Emit(event.FinishedLoading, nil, nil)
		s.allIdle()
		s.loop(ctx)
	}

	s.advance(PhaseDraining)
	s.join()
	if s.opts.Collector != nil {
		s.opts.Collector.Stop()
	}
	s.main.Close()

	err := s.evaluateShutdown()
	s.advance(PhaseStopped)
	return err
}

func (s *Supervisor) loop(ctx context.Context) {
	for !s.terminate.Load() {
		if ctx.Err() != nil {
			s.logger.Info("termination signal received")
			s.signalTerminate()
			return
		}
		ev, err := s.main.Get(ctx, s.opts.PollInterval)
		s.opts.Metrics.SetMainQueue(s.main.Len())
		switch {
		case err == nil:
			s.ProcessEvent(ev)
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			s.logger.Info("termination signal received")
			s.signalTerminate()
		default:
			s.logger.Error("main queue unavailable", "error", err)
			s.RequestTerminate()
		}
	}
}

func (s *Supervisor) join() {
	s.mu.Lock()
	workers := make([]*plugin.Worker, 0, len(s.order))
	for _, name := range s.order {
		workers = append(workers, s.workers[name])
	}
	s.mu.Unlock()

	for _, w := range workers {
		for !w.Wait(joinReport) {
			s.logger.Warn("waiting for plugin to stop", "plugin", w.Name())
		}
		s.logger.Debug("plugin joined", "plugin", w.Name())
	}
}

func (s *Supervisor) evaluateShutdown() error {
	if !s.shutdown.Load() || !s.terminate.Load() {
		return nil
	}
	if s.opts.Debug {
		s.logger.Info("debug mode, not powering off")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), poweroffTimeout)
	defer cancel()
	s.logger.Info("powering off", "delay_minutes", s.opts.ShutdownDelay)
	if err := s.opts.Powerer.Poweroff(ctx, s.opts.ShutdownDelay); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Phase:             s.Phase().String(),
		Busy:              s.busy,
		ShutdownRequested: s.shutdown.Load(),
		MainQueue:         s.main.Len(),
		Subscriptions:     make(map[string][]string, len(s.subs)),
	}
	for ev, subs := range s.subs {
		st.Subscriptions[ev] = slices.Clone(subs)
	}
	for _, name := range s.order {
		w := s.workers[name]
		q, linked := s.queues[name]
		ps := PluginStatus{
			Name:   name,
			State:  w.State().String(),
			Busy:   w.IsBusy(),
			Linked: linked,
			Events: w.Events(),
		}
		if linked {
			ps.Queued = q.Len()
		}
		st.Plugins = append(st.Plugins, ps)
	}
	sort.Slice(st.Plugins, func(i, j int) bool { return st.Plugins[i].Name < st.Plugins[j].Name })
	return st
}

func (s *Supervisor) publish(kind string, data any) {
	if s.opts.Feed != nil {
		s.opts.Feed.Publish(kind, data)
	}
}
