package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/response"
	"github.com/pavelanni/autograder/internal/script"
	"github.com/pavelanni/autograder/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	registry *problem.Registry
	store    *store.Store
	gatherer prometheus.Gatherer
	config   model.ServerConfig
}

// New creates a new Handler. A nil gatherer disables the metrics endpoint.
func New(reg *problem.Registry, s *store.Store, g prometheus.Gatherer, cfg model.ServerConfig) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("handler needs a problem registry")
	}
	if s == nil {
		return nil, errors.New("handler needs a store")
	}
	return &Handler{registry: reg, store: s, gatherer: g, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/problems", h.handleListProblems)
	r.Get("/problems/{problemID}", h.handleGetProblem)
	r.Post("/problems/{problemID}/instances/{instanceID}/grade", h.handleGrade)
	r.Get("/problems/{problemID}/instances/{instanceID}", h.handleInstance)

	r.Group(func(r chi.Router) {
		r.Use(h.requireGrader)
		r.Post("/xqueue/{problemID}/{instanceID}/score", h.handleScore)

		r.Get("/admin/graders", h.handleListGraders)
		r.Post("/admin/graders", h.handleCreateGrader)
		r.Post("/admin/graders/{username}/active", h.handleSetGraderActive)
		r.Get("/admin/outbox", h.handleOutbox)
		r.Get("/admin/export", h.handleExport)
	})

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// Summaries describes loaded problem definitions.
func Summaries(defs []*problem.Definition) []model.ProblemSummary {
	out := make([]model.ProblemSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summaryOf(d))
	}
	return out
}

func summaryOf(d *problem.Definition) model.ProblemSummary {
	s := model.ProblemSummary{ID: d.ID, Title: d.Title, AnswerIDs: d.AnswerIDs()}
	for _, r := range d.Responses {
		s.Types = append(s.Types, r.Type)
	}
	return s
}

func (h *Handler) handleListProblems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Summaries(h.registry.Definitions()))
}

func (h *Handler) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	def, ok := h.registry.Definition(pathParam(r, "problemID"))
	if !ok {
		http.Error(w, appI18n.T(r.Context(), "UnknownProblem"), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(def))
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	problemID := pathParam(r, "problemID")
	instanceID := pathParam(r, "instanceID")

	var req model.GradeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	answers, err := response.ConvertSubmissions(req.Answers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.registry.Grade(r.Context(), problemID, instanceID, answers)
	if err != nil {
		h.gradeError(w, r, problemID, instanceID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, state))
}

func (h *Handler) gradeError(w http.ResponseWriter, r *http.Request, problemID, instanceID string, err error) {
	switch {
	case errors.Is(err, problem.ErrUnknownProblem):
		http.Error(w, appI18n.T(r.Context(), "UnknownProblem"), http.StatusNotFound)
	case errors.Is(err, script.ErrScriptFailed), errors.Is(err, script.ErrMalformedResult):
		slog.Warn("grading failed", "problem", problemID, "instance", instanceID, "error", err)
		http.Error(w, appI18n.T(r.Context(), "GradingFailed")+": "+err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("grading error", "problem", problemID, "instance", instanceID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) handleInstance(w http.ResponseWriter, r *http.Request) {
	problemID := pathParam(r, "problemID")
	instanceID := pathParam(r, "instanceID")

	state, err := h.registry.State(r.Context(), problemID, instanceID)
	if err != nil {
		h.gradeError(w, r, problemID, instanceID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(r, state))
}

// view localizes an instance state for the API.
func (h *Handler) view(r *http.Request, s *problem.State) model.InstanceView {
	ctx := r.Context()
	v := model.InstanceView{
		ProblemID:           s.ProblemID,
		InstanceID:          s.InstanceID,
		OverallMessage:      s.OverallMessage,
		Queued:              s.Queued,
		RecentmostQueuetime: s.RecentmostQueuetime,
		Score:               s.Score,
		MaxScore:            s.MaxScore,
		Records:             make([]model.RecordView, 0, len(s.Records)),
	}
	queued := 0
	for _, rec := range s.Records {
		rv := model.RecordView{
			AnswerID:         rec.AnswerID,
			Correctness:      string(rec.Correctness),
			CorrectnessLabel: appI18n.CorrectnessLabel(ctx, rec.Correctness),
			NPoints:          rec.Points(),
			MaxPoints:        rec.MaxPoints,
			Msg:              rec.Msg,
			Hint:             rec.Hint,
			HintMode:         rec.HintMode,
			Queued:           rec.QueueState != nil,
			Status:           appI18n.StatusLabel(ctx, rec.QueueState != nil),
		}
		if rec.QueueState != nil {
			key := rec.QueueState.Key
			rv.QueueKey = &key
			queued++
		}
		v.Records = append(v.Records, rv)
	}
	v.Summary = appI18n.Td(ctx, "ScoreSummary", map[string]any{"Score": s.Score, "MaxScore": s.MaxScore})
	if queued > 0 {
		v.Summary += " " + appI18n.Tp(ctx, "AnswersQueued", queued)
	}
	return v
}

// pathParam returns a decoded URL parameter.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
