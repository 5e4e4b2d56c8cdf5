package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nitro/lazyreview/internal/domain"
	"github.com/nitro/lazyreview/internal/geometry"
	"github.com/nitro/lazyreview/internal/review"
	"github.com/nitro/lazyreview/internal/service"
)

type handlerReviewService interface {
	Open(context.Context, string, domain.Submission) (service.View, error)
	Switch(context.Context, string, string, domain.Submission) (service.View, error)
	Close(context.Context, string) error
	Get(string) (service.View, error)
	SetMode(string, review.Mode) (service.View, error)
	SetImage(string, int) (service.View, error)
	SetViewport(string, geometry.Viewport) (service.View, error)
	SetPinsVisible(string, bool) (service.View, error)
	SetOverallComment(string, string) (service.View, error)
	Pointer(string, review.PointerEvent) (service.PointerResult, error)
	BeginEdit(string, int) (service.View, error)
	SetEditBuffer(string, string) (service.View, error)
	CommitEdit(string) (service.View, error)
	CancelEdit(string) (service.View, error)
	DeletePin(string, int) (service.View, error)
	Save(context.Context, string) (service.Acknowledgment, error)
	Blob(string, string, string) (*service.Blob, error)
}

type handler struct {
	writer         writer
	logger         zerolog.Logger
	traceExtractor traceExtractor
	reviewService  handlerReviewService
}

func (h handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.writer.error(r.Context(), w, "Endpoint not found", "", http.StatusNotFound)
}

func (h handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writer.error(r.Context(), w, "Method not allowed", "", http.StatusMethodNotAllowed)
}

func (h handler) health(w http.ResponseWriter, r *http.Request) {
	h.writer.response(r.Context(), w, map[string]interface{}{"status": "healthy"}, http.StatusOK)
}

func (h handler) open(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var submission domain.Submission
	if !h.decode(w, r, logger, &submission) {
		return
	}
	credential := service.BearerCredential(r.Header.Get("Authorization"))
	view, err := h.reviewService.Open(r.Context(), credential, submission)
	if err != nil {
		h.fail(w, r, logger, err)
		return
	}
	h.writer.response(r.Context(), w, view, http.StatusCreated)
}

func (h handler) switchSubmission(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var submission domain.Submission
	if !h.decode(w, r, logger, &submission) {
		return
	}
	credential := service.BearerCredential(r.Header.Get("Authorization"))
	view, err := h.reviewService.Switch(r.Context(), chi.URLParam(r, "id"), credential, submission)
	h.respond(w, r, logger, view, err)
}

func (h handler) get(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	view, err := h.reviewService.Get(chi.URLParam(r, "id"))
	h.respond(w, r, logger, view, err)
}

func (h handler) close(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	if err := h.reviewService.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, logger, err)
		return
	}
	h.writer.response(r.Context(), w, nil, http.StatusNoContent)
}

func (h handler) setMode(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	mode, err := review.ParseMode(body.Mode)
	if err != nil {
		h.writer.error(r.Context(), w, "Invalid request", err.Error(), http.StatusBadRequest)
		return
	}
	view, err := h.reviewService.SetMode(chi.URLParam(r, "id"), mode)
	h.respond(w, r, logger, view, err)
}

func (h handler) setImage(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Image int `json:"image"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	view, err := h.reviewService.SetImage(chi.URLParam(r, "id"), body.Image)
	h.respond(w, r, logger, view, err)
}

func (h handler) setViewport(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var viewport geometry.Viewport
	if !h.decode(w, r, logger, &viewport) {
		return
	}
	view, err := h.reviewService.SetViewport(chi.URLParam(r, "id"), viewport)
	h.respond(w, r, logger, view, err)
}

func (h handler) setVisibility(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Visible bool `json:"visible"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	view, err := h.reviewService.SetPinsVisible(chi.URLParam(r, "id"), body.Visible)
	h.respond(w, r, logger, view, err)
}

func (h handler) setComment(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	view, err := h.reviewService.SetOverallComment(chi.URLParam(r, "id"), body.Comment)
	h.respond(w, r, logger, view, err)
}

func (h handler) pointer(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Type    string  `json:"type"`
		ClientX float64 `json:"clientX"`
		ClientY float64 `json:"clientY"`
		Pin     int     `json:"pin"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	kind, err := review.ParsePointerKind(body.Type)
	if err != nil {
		h.writer.error(r.Context(), w, "Invalid request", err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.reviewService.Pointer(chi.URLParam(r, "id"), review.PointerEvent{
		Kind:    kind,
		ClientX: body.ClientX,
		ClientY: body.ClientY,
		Pin:     body.Pin,
	})
	h.respond(w, r, logger, result, err)
}

func (h handler) beginEdit(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	number, ok := h.pinNumber(w, r)
	if !ok {
		return
	}
	view, err := h.reviewService.BeginEdit(chi.URLParam(r, "id"), number)
	h.respond(w, r, logger, view, err)
}

func (h handler) setEditBuffer(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if !h.decode(w, r, logger, &body) {
		return
	}
	view, err := h.reviewService.SetEditBuffer(chi.URLParam(r, "id"), body.Text)
	h.respond(w, r, logger, view, err)
}

func (h handler) commitEdit(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	view, err := h.reviewService.CommitEdit(chi.URLParam(r, "id"))
	h.respond(w, r, logger, view, err)
}

func (h handler) cancelEdit(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	view, err := h.reviewService.CancelEdit(chi.URLParam(r, "id"))
	h.respond(w, r, logger, view, err)
}

func (h handler) deletePin(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	number, ok := h.pinNumber(w, r)
	if !ok {
		return
	}
	view, err := h.reviewService.DeletePin(chi.URLParam(r, "id"), number)
	h.respond(w, r, logger, view, err)
}

func (h handler) save(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}
	ack, err := h.reviewService.Save(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, logger, ack, err)
}

func (h handler) blob(w http.ResponseWriter, r *http.Request) {
	logger, ok := h.requestLogger(w, r)
	if !ok {
		return
	}

	blob, err := h.reviewService.Blob(chi.URLParam(r, "id"), chi.URLParam(r, "blob"), r.URL.String())
	if err != nil {
		h.fail(w, r, logger, err)
		return
	}

	w.Header().Set("content-length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("content-type", blob.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob.Data); err != nil {
		logger.Err(err).Str("requestID", chiMiddleware.GetReqID(r.Context())).Msg("Fail to write the response back to the client")
	}
}

func (h handler) requestLogger(w http.ResponseWriter, r *http.Request) (zerolog.Logger, bool) {
	logger, err := h.traceExtractor(r.Context(), h.logger)
	if err != nil {
		reqID := chiMiddleware.GetReqID(r.Context())
		logger.Err(err).Str("requestID", reqID).Msg("Could not extract tracing id")
		h.writer.error(r.Context(), w, fmt.Sprintf("Request ID '%s'", reqID), "", http.StatusInternalServerError)
		return logger, false
	}
	return logger, true
}

func (h handler) decode(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Err(err).Str("requestID", chiMiddleware.GetReqID(r.Context())).Msg("Invalid request body")
		h.writer.error(r.Context(), w, "Invalid request body", err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h handler) pinNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		h.writer.error(r.Context(), w, "Invalid request", "invalid pin number", http.StatusBadRequest)
		return 0, false
	}
	return number, true
}

func (h handler) respond(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, v interface{}, err error) {
	if err != nil {
		h.fail(w, r, logger, err)
		return
	}
	h.writer.response(r.Context(), w, v, http.StatusOK)
}

// fail logs the error and answers with its descriptor. The raw error never reaches the client.
func (h handler) fail(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, service.ErrTransient), errors.Is(err, service.ErrConvergence):
		status = http.StatusBadGateway
	case errors.Is(err, service.ErrClient):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	}

	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Err(err).Str("requestID", chiMiddleware.GetReqID(r.Context())).Int("status", status).Msg("Error")

	descriptor := service.Describe(err)
	h.writer.error(r.Context(), w, descriptor.Title, descriptor.Description, status)
}
