// Package event defines the message value routed between the supervisor and
// its workers.
package event

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Reserved event names.
const (
	Raw             = "raw"
	Terminate       = "terminate"
	Busy            = "busy"
	Idle            = "idle"
	Shutdown        = "shutdown"
	FinishedLoading = "finished_loading"
)

// Event is a named message with ordered values and keyed parameters.
// Treat it as immutable: New and Clone copy their inputs.
type Event struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name"`
	Values []string          `json:"values,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// New builds an event with a fresh ID.
func New(name string, values []string, params map[string]string) Event {
	return Event{
		ID:     uuid.NewString(),
		Name:   name,
		Values: copyValues(values),
		Params: copyParams(params),
	}
}

// Empty returns the no-op event. It must never be routed.
func Empty() Event {
	return Event{Values: []string{}, Params: map[string]string{}}
}

// IsEmpty reports whether e is the no-op event.
func (e Event) IsEmpty() bool {
	return e.Name == ""
}

// Value returns the positional value at i.
func (e Event) Value(i int) (string, bool) {
	if i < 0 || i >= len(e.Values) {
		return "", false
	}
	return e.Values[i], true
}

// Param returns the named parameter.
func (e Event) Param(key string) (string, bool) {
	v, ok := e.Params[key]
	return v, ok
}

// Clone returns a deep copy of e with the same ID.
func (e Event) Clone() Event {
	return Event{
		ID:     e.ID,
		Name:   e.Name,
		Values: copyValues(e.Values),
		Params: copyParams(e.Params),
	}
}

func copyValues(values []string) []string {
	if values == nil {
		return []string{}
	}
	return slices.Clone(values)
}

func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	return maps.Clone(params)
}
