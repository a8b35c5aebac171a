package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/feed"
)

const keepAliveInterval = 15 * time.Second

// sseStream writes feed entries to one client, skipping entries it has
// already sent or that the client did not ask for.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	kinds   []string
	lastID  int64
}

// wants reports whether kind matches one of the requested prefixes. No
// prefixes means everything.
func (st *sseStream) wants(kind string) bool {
	if len(st.kinds) == 0 {
		return true
	}
	for _, k := range st.kinds {
		if strings.HasPrefix(kind, k) {
			return true
		}
	}
	return false
}

func (st *sseStream) send(e feed.Entry) error {
	if e.ID <= st.lastID {
		return nil
	}
	st.lastID = e.ID
	if !st.wants(e.Kind) {
		return nil
	}
	_, err := fmt.Fprintf(st.w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, e.Data)
	return err
}

func (st *sseStream) ping() error {
	_, err := fmt.Fprint(st.w, ": keep-alive\n\n")
	return err
}

// handleEvents streams the feed as server-sent events. Last-Event-ID resumes
// from the ring buffer; ?kind=event.,supervisor.phase narrows the stream by
// kind prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	st := &sseStream{
		w:       w,
		flusher: flusher,
		kinds:   parseKinds(r.URL.Query().Get("kind")),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe first; entries published during the replay arrive on ch and
	// are de-duplicated by ID.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	for _, e := range s.hub.SnapshotSince(parseLastEventID(r.Header.Get("Last-Event-ID"))) {
		if err := st.send(e); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			err = st.send(e)
		case <-keepAlive.C:
			err = st.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseKinds(v string) []string {
	var out []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
