package config

import "errors"

// Layer selects one of the configuration sources. Later layers win.
type Layer int

const (
	// LayerDefault holds built-in defaults and plugin-shipped config.yaml files.
	LayerDefault Layer = iota
	// LayerUser holds <user_directory>/config.yaml.
	LayerUser
	// LayerInput holds values from the command line.
	LayerInput
)

func (l Layer) String() string {
	switch l {
	case LayerDefault:
		return "default"
	case LayerUser:
		return "user"
	case LayerInput:
		return "input"
	default:
		return "unknown"
	}
}

// MinPathSegments is the shortest dot path accepted by getters and setters.
const MinPathSegments = 3

var (
	// ErrPathTooShort is returned for dot paths with fewer than MinPathSegments parts.
	ErrPathTooShort = errors.New("config path too short")
	// ErrNotFound is returned when a dot path does not resolve.
	ErrNotFound = errors.New("config path not found")
	// ErrType is returned when a value cannot be converted to the requested type.
	ErrType = errors.New("config value has wrong type")
)
