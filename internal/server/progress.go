package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"reviewd/internal/progress"
)

// progressPollInterval is how often the SSE handler samples the bus.
const progressPollInterval = 500 * time.Millisecond

// handleProgress streams indexing progress for one (repo, branch) pair
// as server-sent events. Each change of the latest bus event emits one
// `data:` frame; the stream closes after a terminal event or when the
// client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	branch := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(branch); err == nil {
		branch = unescaped
	}
	if repoID == "" || branch == "" {
		http.Error(w, "repo and branch are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	var last progress.Event
	var sent bool
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			e, ok := s.bus.Get(repoID, branch)
			if !ok || (sent && e == last) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			last, sent = e, true
			if e.Terminal() {
				return
			}
		}
	}
}
