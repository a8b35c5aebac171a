package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plapperkasten/internal/event"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
		want    string
	}{
		{
			name: "event",
			msg:  &Message{Type: TypeEvent, Event: &event.Event{Name: "volume_up", Params: map[string]string{"step": "5"}}},
			want: `{"type":"event","event":{"name":"volume_up","params":{"step":"5"}}}` + "\n",
		},
		{
			name: "busy",
			msg:  &Message{Type: TypeBusy},
			want: `{"type":"busy"}` + "\n",
		},
		{name: "event without name", msg: &Message{Type: TypeEvent, Event: &event.Event{}}, wantErr: true},
		{name: "missing type", msg: &Message{}, wantErr: true},
		{name: "bad level", msg: &Message{Type: TypeLog, Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Encode(&buf, tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Zero(t, buf.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestDecoder(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"log","level":"info","message":"ready"}`,
		``,
		`{"type":"event","event":{"name":"raw","values":["KEY_A"]}}`,
		`not json`,
		`{"type":"event","extra":1}`,
		`{"type":"idle"}`,
	}, "\n")
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeLog, msg.Type)
	assert.Equal(t, "ready", msg.Message)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "raw", msg.Event.Name)
	assert.Equal(t, []string{"KEY_A"}, msg.Event.Values)

	_, err = dec.Decode()
	assert.True(t, errors.Is(err, ErrMalformed), "malformed JSON")

	_, err = dec.Decode()
	assert.True(t, errors.Is(err, ErrMalformed), "unknown fields are rejected")

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeIdle, msg.Type)

	_, err = dec.Decode()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestNewEventRoundTrip(t *testing.T) {
	ev := event.New("lamp_on", []string{"a"}, map[string]string{"room": "kitchen"})
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, NewEvent(ev)))

	msg, err := NewDecoder(&buf).Decode()
	require.NoError(t, err)
	assert.Equal(t, ev, *msg.Event)
}

func TestDecoderLineTooLong(t *testing.T) {
	long := `{"type":"log","message":"` + strings.Repeat("x", MaxLineSize) + `"}`
	_, err := NewDecoder(strings.NewReader(long)).Decode()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
	assert.False(t, errors.Is(err, io.EOF))
}
