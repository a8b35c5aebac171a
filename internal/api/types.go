package api

import "github.com/mattjoyce/plapperkasten/internal/keymap"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Phase         string `json:"phase"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MainQueue     int    `json:"main_queue"`
	PluginsLoaded int    `json:"plugins_loaded"`
}

// MapEntry is one event map binding.
type MapEntry struct {
	Key    string            `json:"key"`
	Name   string            `json:"name"`
	Values []string          `json:"values"`
	Params map[string]string `json:"params"`
	Line   string            `json:"line"`
}

// MapResponse is returned by GET /eventmap.
type MapResponse struct {
	Delimiter   string     `json:"delimiter"`
	Fingerprint string     `json:"fingerprint"`
	Entries     []MapEntry `json:"entries"`
}

// MapUpdateRequest is the body of PUT /eventmap/{key}. An empty name
// removes the binding.
type MapUpdateRequest struct {
	Name   string            `json:"name"`
	Values []string          `json:"values,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// RawResponse is returned by POST /raw/{key}.
type RawResponse struct {
	EventID string `json:"event_id"`
	Key     string `json:"key"`
	Status  string `json:"status"`
}

func mapEntry(key string, item keymap.Item, delim string) MapEntry {
	e := MapEntry{Key: key, Values: []string{}, Params: item.Params}
	if len(item.Values) > 0 {
		e.Name = item.Values[0]
		e.Values = item.Values[1:]
	}
	if e.Params == nil {
		e.Params = map[string]string{}
	}
	e.Line = keymap.FormatLine(key, item.Values, item.Params, delim)
	return e
}
