package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

type APIHandler struct {
	service *app.AttemptService
	log     logrus.FieldLogger
}

func NewAPIHandler(service *app.AttemptService, log logrus.FieldLogger) *APIHandler {
	return &APIHandler{service: service, log: log}
}

type startAttemptRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// StartAttempt creates a new in-progress attempt for the user.
func (h *APIHandler) StartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, "userId is required")
		return
	}
	attempt, err := h.service.Start(r.Context(), chi.URLParam(r, "quizID"), req.UserID)
	if err != nil {
		h.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (h *APIHandler) Attempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.service.Attempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		h.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (h *APIHandler) Questions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.service.Questions(r.Context(), chi.URLParam(r, "quizID"))
	if err != nil {
		h.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *APIHandler) writeDomainErr(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrQuizNotFound) || errors.Is(err, domain.ErrAttemptNotFound) {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.WithError(err).Error("api request failed")
	writeErr(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
