package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// handleScore accepts a result posted by an external grader. The form carries
// the original request header in xqueue_header and the score message in
// xqueue_body.
func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	problemID := pathParam(r, "problemID")
	instanceID := pathParam(r, "instanceID")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.scoreReply(w, r, http.StatusBadRequest, "DeliveryRejected", err)
		return
	}

	var header xqueue.Header
	if err := json.Unmarshal([]byte(r.PostFormValue("xqueue_header")), &header); err != nil {
		h.scoreReply(w, r, http.StatusBadRequest, "DeliveryRejected", err)
		return
	}
	key, err := xqueue.ParseKey(header)
	if err != nil {
		h.scoreReply(w, r, http.StatusBadRequest, "DeliveryRejected", err)
		return
	}

	applied, err := h.registry.Deliver(r.Context(), problemID, instanceID, []byte(r.PostFormValue("xqueue_body")), key)
	switch {
	case errors.Is(err, problem.ErrUnknownProblem):
		h.scoreReply(w, r, http.StatusNotFound, "UnknownProblem", err)
	case errors.Is(err, xqueue.ErrInvalidScoreMessage):
		h.scoreReply(w, r, http.StatusBadRequest, "DeliveryRejected", err)
	case err != nil:
		slog.Error("delivery failed", "problem", problemID, "instance", instanceID, "key", key, "error", err)
		h.scoreReply(w, r, http.StatusInternalServerError, "DeliveryRejected", err)
	case !applied:
		h.scoreReply(w, r, http.StatusOK, "DeliveryStale", nil)
	default:
		if g := model.GraderFromContext(r.Context()); g != nil {
			slog.Info("result delivered", "problem", problemID, "instance", instanceID, "key", key, "grader", g.Username)
		}
		writeJSON(w, http.StatusOK, model.ScoreReply{ReturnCode: 0, Content: appI18n.T(r.Context(), "DeliveryAccepted")})
	}
}

// scoreReply writes a failed reply; the return code is 1 for every failure.
func (h *Handler) scoreReply(w http.ResponseWriter, r *http.Request, status int, msgID string, err error) {
	content := appI18n.T(r.Context(), msgID)
	if err != nil {
		slog.Debug("score rejected", "reason", msgID, "error", err)
	}
	writeJSON(w, status, model.ScoreReply{ReturnCode: 1, Content: content})
}
