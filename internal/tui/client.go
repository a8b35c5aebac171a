package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/supervisor"
)

const reconnectDelay = 2 * time.Second

// --- Message types ---

type entryMsg feed.Entry

type statusMsg supervisor.Status

type tickMsg time.Time

type errMsg struct{ err error }

type disconnectedMsg struct{}

// readSSE parses a server-sent event stream into entries until r ends.
func readSSE(r io.Reader, ch chan<- feed.Entry) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur feed.Entry
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				ch <- cur
			}
			cur = feed.Entry{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment, used as keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Kind = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
	return sc.Err()
}

// subscribe streams /events into ch and reports the disconnect.
func subscribe(ctx context.Context, apiURL string, ch chan<- feed.Entry) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg{err}
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return disconnectedMsg{}
		}
		defer resp.Body.Close()
		_ = readSSE(resp.Body, ch)
		return disconnectedMsg{}
	}
}

func receive(ch <-chan feed.Entry) tea.Cmd {
	return func() tea.Msg {
		return entryMsg(<-ch)
	}
}

// fetchStatus queries /status.
func fetchStatus(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/status")
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg{fmt.Errorf("status: %s", resp.Status)}
	}

	var st supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg{err}
	}
	return statusMsg(st)
}
