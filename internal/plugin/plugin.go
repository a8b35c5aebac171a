// Package plugin contains the worker runtime that hosts a plugin, the plugin
// contract, the registry of built-in plugin factories and the discovery of
// external plugins.
package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
)

// Plugin is implemented by every plugin. Init runs on the supervisor side
// before the worker starts; it must copy what it needs out of cfg and
// register its handlers with w.RegisterFor.
type Plugin interface {
	Init(w *Worker, cfg *config.Config) error
}

// BeforeRunner is called once on the worker goroutine before the loop starts.
// An error stops the worker.
type BeforeRunner interface {
	BeforeRun() error
}

// Ticker is called once per loop iteration, at least every tick interval.
type Ticker interface {
	Tick()
}

// AfterRunner is called once on the worker goroutine after the loop ends.
type AfterRunner interface {
	AfterRun()
}

// Handler handles one delivered event.
type Handler func(ev event.Event)

// Factory creates a fresh plugin instance.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a built-in plugin available by name. It panics if name is
// empty, f is nil or name is already registered.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if name == "" || f == nil {
		panic("plugin: Register with empty name or nil factory")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("plugin: Register called twice for %q", name))
	}
	factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Names returns the registered built-in plugin names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
