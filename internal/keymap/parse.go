package keymap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DefaultDelimiter separates the fields of a map line.
const DefaultDelimiter = "|"

// ErrMalformed marks a line that cannot be parsed.
var ErrMalformed = errors.New("malformed map line")

// ErrInvalid marks an entry that cannot be written to a map file.
var ErrInvalid = errors.New("invalid map entry")

// Item is the data bound to one key.
type Item struct {
	Values []string          `json:"values"`
	Params map[string]string `json:"params"`
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := Item{Values: slices.Clone(it.Values), Params: maps.Clone(it.Params)}
	if out.Values == nil {
		out.Values = []string{}
	}
	if out.Params == nil {
		out.Params = map[string]string{}
	}
	return out
}

// IsEmpty reports whether the item carries neither values nor params.
func (it Item) IsEmpty() bool {
	return len(it.Values) == 0 && len(it.Params) == 0
}

// LineError describes a malformed line.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// ParseLine splits one map line into its key and item:
//
//	KEY|VALUE1|VALUE2|NAME=VALUE|...
//
// Fields are trimmed. Fields without "=" are positional values, the rest are
// params split at the first "=".
func ParseLine(line, delim string) (string, Item, error) {
	if delim == "" {
		delim = DefaultDelimiter
	}
	fields := strings.Split(line, delim)
	key := strings.TrimSpace(fields[0])
	if key == "" {
		return "", Item{}, fmt.Errorf("%w: empty key", ErrMalformed)
	}

	item := Item{Values: []string{}, Params: map[string]string{}}
	for _, raw := range fields[1:] {
		f := strings.TrimSpace(raw)
		name, value, isParam := strings.Cut(f, "=")
		if !isParam {
			item.Values = append(item.Values, f)
			continue
		}
		if name == "" {
			return "", Item{}, fmt.Errorf("%w: parameter without a name", ErrMalformed)
		}
		item.Params[name] = value
	}
	return key, item, nil
}

// FormatLine renders a map line. Params are emitted sorted by name.
func FormatLine(key string, values []string, params map[string]string, delim string) string {
	if delim == "" {
		delim = DefaultDelimiter
	}
	fields := make([]string, 0, 1+len(values)+len(params))
	fields = append(fields, key)
	fields = append(fields, values...)
	for _, name := range slices.Sorted(maps.Keys(params)) {
		fields = append(fields, name+"="+params[name])
	}
	return strings.Join(fields, delim)
}

// Parse reads a whole map file. Comment and blank lines are skipped; later
// lines replace earlier ones with the same key. Malformed lines are reported
// and skipped.
func Parse(data []byte, delim string) (map[string]Item, []LineError) {
	entries := map[string]Item{}
	var bad []LineError

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		key, item, err := ParseLine(line, delim)
		if err != nil {
			bad = append(bad, LineError{Line: n, Text: line, Err: err})
			continue
		}
		entries[key] = item
	}
	if err := sc.Err(); err != nil {
		bad = append(bad, LineError{Line: n + 1, Err: err})
	}
	return entries, bad
}

// lineKey returns the trimmed key of a map line, or "" for comment and blank
// lines.
func lineKey(line, delim string) string {
	line = strings.TrimRight(line, "\r")
	if strings.HasPrefix(line, "#") {
		return ""
	}
	key, _, _ := strings.Cut(line, delim)
	return strings.TrimSpace(key)
}

// validateEntry rejects data that would not survive a round trip through the
// file format.
func validateEntry(key string, values []string, params map[string]string, delim string) error {
	check := func(what, s string) error {
		if strings.Contains(s, delim) || strings.ContainsAny(s, "\r\n") {
			return fmt.Errorf("%s %q contains the delimiter or a line break", what, s)
		}
		if s != strings.TrimSpace(s) {
			return fmt.Errorf("%s %q has surrounding whitespace", what, s)
		}
		return nil
	}
	if key == "" {
		return errors.New("empty key")
	}
	if strings.HasPrefix(key, "#") {
		return fmt.Errorf("key %q would be read as a comment", key)
	}
	if err := check("key", key); err != nil {
		return err
	}
	for _, v := range values {
		if err := check("value", v); err != nil {
			return err
		}
		if strings.Contains(v, "=") {
			return fmt.Errorf("value %q contains '='", v)
		}
	}
	for name, v := range params {
		if name == "" || strings.Contains(name, "=") {
			return fmt.Errorf("invalid parameter name %q", name)
		}
		if err := check("parameter name", name); err != nil {
			return err
		}
		if err := check("parameter value", v); err != nil {
			return err
		}
	}
	return nil
}
