package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/eventmap"
	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/metrics"
	"github.com/mattjoyce/plapperkasten/internal/queue"
	"github.com/mattjoyce/plapperkasten/internal/supervisor"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeSupervisor struct {
	mu       sync.Mutex
	injected []event.Event
	err      error
}

func (f *fakeSupervisor) Status() supervisor.Status {
	return supervisor.Status{
		Phase:     "running",
		MainQueue: 2,
		Plugins: []supervisor.PluginStatus{
			{Name: "volume", State: "running", Linked: true, Events: []string{"volume_up"}},
		},
		Subscriptions: map[string][]string{"volume_up": {"volume"}},
	}
}

func (f *fakeSupervisor) Inject(ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.injected = append(f.injected, ev)
	return nil
}

type fixture struct {
	srv  *Server
	sup  *fakeSupervisor
	em   *eventmap.EventMap
	hub  *feed.Hub
	logs *bytes.Buffer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	builtin := keymap.FS(fstest.MapFS{"events.map": {Data: []byte("KEY_MUTE|volume_set|level=0\n")}}, "events.map")
	em, err := eventmap.New(builtin, filepath.Join(t.TempDir(), "events.map"), "|")
	require.NoError(t, err)

	var buf bytes.Buffer
	f := &fixture{sup: &fakeSupervisor{}, em: em, hub: feed.NewHub(16), logs: &buf}
	f.srv = New(cfg, f.sup, em, f.hub, metrics.New(), slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndStatus(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var h HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "running", h.Phase)
	assert.Equal(t, 1, h.PluginsLoaded)
	assert.Equal(t, 2, h.MainQueue)

	rec = f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, []string{"volume"}, st.Subscriptions["volume_up"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.do(http.MethodGet, "/healthz", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `plapperkasten_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestEventMapLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPut, "/eventmap/K", `{"name":"lamp_on","params":{"room":"kitchen"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry MapEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "lamp_on", entry.Name)
	assert.Equal(t, "K|lamp_on|room=kitchen", entry.Line)

	ev, err := f.em.GetEvent("K")
	require.NoError(t, err)
	assert.Equal(t, "lamp_on", ev.Name)
	assert.Empty(t, ev.Values)
	assert.Equal(t, map[string]string{"room": "kitchen"}, ev.Params)

	rec = f.do(http.MethodGet, "/eventmap", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list MapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "K", list.Entries[0].Key)
	assert.Equal(t, "KEY_MUTE", list.Entries[1].Key)
	assert.Equal(t, f.em.Fingerprint(), list.Fingerprint)

	rec = f.do(http.MethodGet, "/eventmap/K", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/eventmap/K", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err = f.em.GetEvent("K")
	assert.ErrorIs(t, err, eventmap.ErrNotFound)

	rec = f.do(http.MethodGet, "/eventmap/K", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	kinds := 0
	for _, e := range f.hub.SnapshotSince(0) {
		if e.Kind == feed.KindMapChanged {
			kinds++
		}
	}
	assert.Equal(t, 2, kinds)
}

func TestPutMapRejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPut, "/eventmap/K", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/eventmap/K", `{"name":"a|b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/eventmap/K", `{"name":"x","color":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutMapEmptyNameRemoves(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/eventmap/K", `{"name":"x"}`).Code)

	rec := f.do(http.MethodPut, "/eventmap/K", `{"name":""}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := f.em.GetEvent("K")
	assert.ErrorIs(t, err, eventmap.ErrNotFound)
}

func TestRawInjectsEvent(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPost, "/raw/KEY_MUTE", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp RawResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, f.sup.injected, 1)
	assert.Equal(t, event.Raw, f.sup.injected[0].Name)
	assert.Equal(t, []string{"KEY_MUTE"}, f.sup.injected[0].Values)
	assert.Equal(t, f.sup.injected[0].ID, resp.EventID)

	f.sup.err = queue.ErrFull
	rec = f.do(http.MethodPost, "/raw/KEY_MUTE", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTokenProtectsWrites(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/raw/A", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/raw/A", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/raw/A", "", "Authorization", "Basic s3cret").Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/raw/A", "", "Authorization", "Bearer s3cret").Code)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "", wantErr: true},
		{header: "Bearer abc", want: "abc"},
		{header: "Bearer   abc  ", want: "abc"},
		{header: "Bearer ", wantErr: true},
		{header: "Token abc", wantErr: true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractToken(req)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	f := newFixture(t, Config{})
	f.hub.Publish(feed.KindEmitted, map[string]string{"name": "old"})
	f.hub.Publish(feed.KindEmitted, map[string]string{"name": "replayed"})

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, d)
			if len(data) == 1 {
				f.hub.Publish(feed.KindBusy, map[string]int{"busy": 1})
			}
			if len(data) == 2 {
				break
			}
		}
	}
	require.Len(t, data, 2)
	assert.JSONEq(t, `{"name":"replayed"}`, data[0])
	assert.JSONEq(t, `{"busy":1}`, data[1])
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("nope"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestEventsStreamFiltersByKind(t *testing.T) {
	f := newFixture(t, Config{})
	f.hub.Publish(feed.KindBusy, map[string]int{"busy": 1})
	f.hub.Publish(feed.KindPhase, map[string]string{"phase": "terminating"})
	f.hub.Publish(feed.KindEmitted, map[string]string{"name": "volume_up"})

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?kind=event.,supervisor.phase", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var kinds []string
	for sc.Scan() && len(kinds) < 2 {
		if k, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			kinds = append(kinds, k)
		}
	}
	assert.Equal(t, []string{feed.KindPhase, feed.KindEmitted}, kinds)
}

func TestParseKinds(t *testing.T) {
	assert.Nil(t, parseKinds(""))
	assert.Equal(t, []string{"event.", "plugin."}, parseKinds(" event., ,plugin."))
}
