package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/store"
)

type graderView struct {
	Username  string    `json:"username"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleListGraders(w http.ResponseWriter, r *http.Request) {
	graders, err := h.store.ListGraders(r.Context())
	if err != nil {
		slog.Error("failed to list graders", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]graderView, 0, len(graders))
	for _, g := range graders {
		out = append(out, graderView{Username: g.Username, Active: g.Active, CreatedAt: g.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateGrader(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if _, err := h.store.CreateGrader(r.Context(), model.Grader{
		Username:     req.Username,
		PasswordHash: hash,
		Active:       true,
	}); err != nil {
		slog.Error("failed to create grader", "error", err)
		http.Error(w, "failed to create grader: "+err.Error(), http.StatusConflict)
		return
	}

	by := model.GraderFromContext(r.Context())
	slog.Info("grader created", "username", req.Username, "by", by.Username)
	writeJSON(w, http.StatusCreated, graderView{Username: req.Username, Active: true, CreatedAt: time.Now().UTC()})
}

func (h *Handler) handleSetGraderActive(w http.ResponseWriter, r *http.Request) {
	username := pathParam(r, "username")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := h.store.SetGraderActive(r.Context(), username, req.Active)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "unknown grader", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to set grader active", "username", username, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOutbox(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.PendingRequests(r.Context())
	if err != nil {
		slog.Error("failed to list pending requests", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []model.QueueRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := Export(r.Context(), h.store, h.registry.Definitions())
	if err != nil {
		slog.Error("failed to export results", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="results.json"`)
	writeJSON(w, http.StatusOK, export)
}

// Export collects every persisted instance result with the loaded problems.
func Export(ctx context.Context, s *store.Store, defs []*problem.Definition) (*model.ResultsExport, error) {
	results, err := s.ExportResults(ctx)
	if err != nil {
		return nil, err
	}
	variant, err := s.GetMetadata(ctx, store.MetaPromptVariant)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []model.InstanceResult{}
	}
	return &model.ResultsExport{
		ExportedAt:    time.Now().UTC(),
		PromptVariant: variant,
		Problems:      Summaries(defs),
		Results:       results,
	}, nil
}
