package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Failed to decode JSON %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSetup(t *testing.T) {
	mu.Lock()
	logger = nil
	mu.Unlock()
	once = *new(sync.Once)

	Setup("DEBUG", "text")
	if Get() == nil {
		t.Fatal("Logger should not be nil")
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("Expected DEBUG level, got %v", level.Level())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"WARNING":  slog.LevelWarn,
		"error":    slog.LevelError,
		"critical": LevelCritical,
		"bogus":    slog.LevelInfo,
		"":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")
	WithPlugin("my-plugin").Info("plugin msg")
	WithEvent("volume_up", "ev-1").Info("event msg")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	if lines[0]["component"] != "test-comp" || lines[0]["msg"] != "hello" {
		t.Errorf("Unexpected component line: %v", lines[0])
	}
	if lines[1]["plugin"] != "my-plugin" {
		t.Errorf("Expected plugin 'my-plugin', got %v", lines[1]["plugin"])
	}
	if lines[2]["event"] != "volume_up" || lines[2]["event_id"] != "ev-1" {
		t.Errorf("Unexpected event line: %v", lines[2])
	}
}

func TestCriticalLevelName(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newHandler(&buf, "info", "json"))

	Critical(l, "queue full", "plugin", "volume")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "CRITICAL" {
		t.Errorf("Expected level CRITICAL, got %v", lines[0]["level"])
	}
}

func TestCollectorDrainsOnStop(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(slog.NewJSONHandler(&buf, nil), 4)
	l := slog.New(c.Handler()).With("component", "collector-test")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info("record", "n", i)
		}()
	}
	wg.Wait()
	c.Stop()

	lines := decodeLines(t, &buf)
	if len(lines) != 20 {
		t.Fatalf("Expected 20 records after Stop, got %d", len(lines))
	}
	for _, line := range lines {
		if line["component"] != "collector-test" {
			t.Errorf("Expected component attr on every record, got %v", line)
		}
	}

	// After Stop, records bypass the collector goroutine.
	l.Info("late")
	if got := len(decodeLines(t, &buf)); got != 21 {
		t.Errorf("Expected late record to be written synchronously, got %d lines", got)
	}

	// Stop is idempotent.
	c.Stop()
}

func TestReconfigure(t *testing.T) {
	Reconfigure("warn", "text")
	if level.Level() != slog.LevelWarn {
		t.Errorf("Expected WARN level, got %v", level.Level())
	}
	if _, ok := Get().Handler().(*slog.TextHandler); !ok {
		t.Errorf("Expected text handler, got %T", Get().Handler())
	}
}
