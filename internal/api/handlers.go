package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/feed"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
	"github.com/mattjoyce/plapperkasten/internal/queue"
)

const maxBody = 64 << 10

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Phase:         st.Phase,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		MainQueue:     st.MainQueue,
		PluginsLoaded: len(st.Plugins),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleListMap(w http.ResponseWriter, r *http.Request) {
	if s.eventmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no event map loaded")
		return
	}
	delim := s.eventmap.Delimiter()
	entries := s.eventmap.Entries()
	resp := MapResponse{
		Delimiter:   delim,
		Fingerprint: s.eventmap.Fingerprint(),
		Entries:     make([]MapEntry, 0, len(entries)),
	}
	for key, item := range entries {
		resp.Entries = append(resp.Entries, mapEntry(key, item, delim))
	}
	sort.Slice(resp.Entries, func(i, j int) bool { return resp.Entries[i].Key < resp.Entries[j].Key })
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMap(w http.ResponseWriter, r *http.Request) {
	if s.eventmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no event map loaded")
		return
	}
	key := chi.URLParam(r, "key")
	item, ok := s.eventmap.Entries()[key]
	if !ok {
		s.writeError(w, http.StatusNotFound, "key not mapped")
		return
	}
	respondJSON(w, http.StatusOK, mapEntry(key, item, s.eventmap.Delimiter()))
}

func (s *Server) handlePutMap(w http.ResponseWriter, r *http.Request) {
	if s.eventmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no event map loaded")
		return
	}
	key := chi.URLParam(r, "key")

	var req MapUpdateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mapMu.Lock()
	err := s.eventmap.UpdateEvent(key, req.Name, req.Values, req.Params)
	s.mapMu.Unlock()
	if err != nil {
		s.writeMapError(w, key, err)
		return
	}
	s.hub.Publish(feed.KindMapChanged, map[string]string{"key": key, "name": req.Name})

	if req.Name == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	item := s.eventmap.Entries()[key]
	respondJSON(w, http.StatusOK, mapEntry(key, item, s.eventmap.Delimiter()))
}

func (s *Server) handleDeleteMap(w http.ResponseWriter, r *http.Request) {
	if s.eventmap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no event map loaded")
		return
	}
	key := chi.URLParam(r, "key")

	s.mapMu.Lock()
	err := s.eventmap.RemoveEvent(key)
	s.mapMu.Unlock()
	if err != nil {
		s.writeMapError(w, key, err)
		return
	}
	s.hub.Publish(feed.KindMapChanged, map[string]string{"key": key})
	w.WriteHeader(http.StatusNoContent)
}

// handleRaw injects a raw key as if an input plugin had read it.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ev := event.New(event.Raw, []string{key}, nil)

	err := s.sup.Inject(ev)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		s.writeError(w, http.StatusServiceUnavailable, "main queue full")
		return
	case errors.Is(err, queue.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "supervisor is stopping")
		return
	default:
		s.logger.Error("inject raw key", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cannot inject event")
		return
	}
	respondJSON(w, http.StatusAccepted, RawResponse{EventID: ev.ID, Key: key, Status: "queued"})
}

func (s *Server) writeMapError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, keymap.ErrInvalid) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("write event map", "key", key, "error", err)
	s.writeError(w, http.StatusInternalServerError, "cannot write event map")
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
