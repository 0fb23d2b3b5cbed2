package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reviewd/internal/review"
	"reviewd/internal/store"
)

type manualReviewRequest struct {
	RepoID      string `json:"repoId"`
	PRNumber    int    `json:"prNumber"`
	BaseBranch  string `json:"baseBranch,omitempty"`
	DryRun      bool   `json:"dryRun,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authorized checks the bearer token on the manual review endpoint.
// With no API key configured the endpoint stays closed.
func (s *Server) authorized(r *http.Request) bool {
	key := s.cfg.Server.APIKey
	if key == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1
}

// handleManualReview runs one review synchronously and returns its
// result. Dry runs include the would-be comments and write nothing.
func (s *Server) handleManualReview(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	var req manualReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.RepoID == "" || req.PRNumber <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "repoId and prNumber are required"})
		return
	}

	repo, err := s.repos.Resolve(r.Context(), req.RepoID)
	if err != nil {
		if errors.Is(err, store.ErrRepoNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown repository: " + req.RepoID})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	adapter, err := s.adapterFor(repo)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	start := time.Now()
	res, err := s.runner.Run(r.Context(), review.Request{
		Repo:        repo,
		Adapter:     adapter,
		PRNumber:    req.PRNumber,
		BaseBranch:  req.BaseBranch,
		DryRun:      req.DryRun,
		Incremental: req.Incremental,
		Trigger:     "api",
	})
	s.observeReview("api", start, res, err)
	if err != nil {
		s.logger.Error("manual review failed",
			zap.String("repo", repo.ID), zap.Int("pr", req.PRNumber), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFeedback records a reader's verdict on a posted comment. Every
// failure mode is a plain 400; the endpoint gives probes nothing to
// distinguish.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	signal := q.Get("signal")
	token := q.Get("token")

	if id == "" || token == "" || (signal != review.SignalAccepted && signal != review.SignalRejected) {
		http.Error(w, "invalid feedback request", http.StatusBadRequest)
		return
	}
	signer := s.runner.Signer()
	if signer == nil || !signer.Verify(id, signal, token) {
		http.Error(w, "invalid feedback request", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertFeedback(r.Context(), id, signal); err != nil {
		s.logger.Warn("feedback upsert failed", zap.String("comment", id), zap.Error(err))
		http.Error(w, "invalid feedback request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Thanks, your feedback was recorded."))
}
