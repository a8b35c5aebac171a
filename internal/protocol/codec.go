// Package protocol implements the JSON-lines protocol spoken with external
// plugin processes.
//
// Every message is a single JSON object terminated by a newline:
//
//	{"type":"event","event":{"name":"volume_up","params":{"step":"5"}}}
//	{"type":"log","level":"info","message":"ready"}
//	{"type":"busy"}
//	{"type":"idle"}
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize bounds a single message.
const MaxLineSize = 1 << 20

// ErrMalformed marks a line that is not a valid message. The decoder stays
// usable after it.
var ErrMalformed = errors.New("malformed message")

// Validate checks that the message is well formed.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeEvent:
		if m.Event == nil {
			return fmt.Errorf("event message without event")
		}
		if m.Event.Name == "" {
			return fmt.Errorf("event message without event name")
		}
	case TypeLog:
		switch strings.ToLower(m.Level) {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("invalid log level %q", m.Level)
		}
	case TypeBusy, TypeIdle:
	case "":
		return fmt.Errorf("message missing required field: type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode validates msg and writes it to w as one line.
func Encode(w io.Writer, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decoder reads messages line by line.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &Decoder{sc: sc}
}

// Decode returns the next message. Blank lines are skipped. It returns io.EOF
// at the end of the stream. A malformed line yields an error but the decoder
// stays usable; any other error is final.
func (d *Decoder) Decode() (*Message, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields() // Strict parsing
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("%w: decode %q: %v", ErrMalformed, truncate(line), err)
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, truncate(line), err)
		}
		return &msg, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func truncate(b []byte) string {
	const max = 120
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
