package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBody = 64 << 10

var sorts = map[string]bool{
	store.SortTrending: true,
	store.SortRandom:   true,
	store.SortVotes:    true,
	store.SortNewest:   true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := store.ListOpts{
		Sort:     q.Get("sort"),
		Category: q.Get("category"),
	}
	if opts.Sort == "" {
		opts.Sort = store.SortTrending
	}
	if !sorts[opts.Sort] {
		writeError(w, http.StatusBadRequest, "unknown sort "+strconv.Quote(opts.Sort))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	subs, err := s.store.ListSubmissions(r.Context(), opts)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if subs == nil {
		subs = []store.Submission{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  subs,
		"count": len(subs),
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubmission(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	// Lookups by ID hide what listings hide. A duplicate points at the
	// question it duplicates.
	if !sub.Approved || sub.ModeratedRemoval {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if sub.DuplicateOf != nil {
		http.Redirect(w, r, "/api/v1/submissions/"+*sub.DuplicateOf, http.StatusMovedPermanently)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type createSubmissionRequest struct {
	Category string `json:"category"`
	Headline string `json:"headline"`
	Idea     string `json:"idea"`
	Citation string `json:"citation"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Headline = strings.TrimSpace(req.Headline)
	if req.Headline == "" {
		writeError(w, http.StatusBadRequest, "headline is required")
		return
	}
	if len(req.Citation) > 1024 {
		writeError(w, http.StatusBadRequest, "citation too long")
		return
	}

	sub := &store.Submission{
		Category:  req.Category,
		Headline:  req.Headline,
		Idea:      strings.TrimSpace(req.Idea),
		Citation:  req.Citation,
		VoterID:   dbrouter.ClientIDFromContext(r.Context()),
		CreatedAt: s.opts.Now(),
		Approved:  s.opts.AutoApprove,
	}
	if err := s.store.CreateSubmission(r.Context(), sub); err != nil {
		s.internalError(w, r, err)
		return
	}

	s.logger.Info("submission created",
		zap.String("id", sub.ID),
		zap.String("category", sub.Category))
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	voter := dbrouter.ClientIDFromContext(r.Context())

	votes, err := s.store.RecordVote(r.Context(), id, voter, s.opts.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "submission not found")
		return
	case errors.Is(err, store.ErrDuplicateVote):
		writeError(w, http.StatusConflict, "already voted")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    id,
		"votes": votes,
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if cats == nil {
		cats = []store.Category{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  cats,
		"count": len(cats),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, "recent activity not available")
		return
	}
	snap, ok := s.activity.Snapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "recent activity not available")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
