package log

import (
	"context"
	"log/slog"
	"sync"
)

const defaultCollectorSize = 1024

type record struct {
	h slog.Handler
	r slog.Record
}

// Collector funnels log records from every goroutine into a single writer
// goroutine. Once stopped, records are written synchronously.
type Collector struct {
	inner   slog.Handler
	records chan record

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewCollector starts a collector that writes through inner.
func NewCollector(inner slog.Handler, size int) *Collector {
	if size <= 0 {
		size = defaultCollectorSize
	}
	c := &Collector{
		inner:   inner,
		records: make(chan record, size),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// StartCollector wraps the global logger's handler in a collector and installs
// it as the global handler.
func StartCollector(size int) *Collector {
	c := NewCollector(Get().Handler(), size)
	install(c.Handler())
	return c
}

// Handler returns the slog.Handler that feeds the collector.
func (c *Collector) Handler() slog.Handler {
	return &collectorHandler{c: c, inner: c.inner}
}

// Stop drains pending records and joins the collector goroutine.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.records)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Collector) run() {
	defer close(c.done)
	for rec := range c.records {
		_ = rec.h.Handle(context.Background(), rec.r)
	}
}

type collectorHandler struct {
	c     *Collector
	inner slog.Handler
}

func (h *collectorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *collectorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.c.mu.RLock()
	defer h.c.mu.RUnlock()
	if h.c.closed {
		return h.inner.Handle(ctx, r)
	}
	h.c.records <- record{h: h.inner, r: r.Clone()}
	return nil
}

func (h *collectorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &collectorHandler{c: h.c, inner: h.inner.WithAttrs(attrs)}
}

func (h *collectorHandler) WithGroup(name string) slog.Handler {
	return &collectorHandler{c: h.c, inner: h.inner.WithGroup(name)}
}
