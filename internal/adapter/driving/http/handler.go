package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Service is the backend behaviour the REST surface exposes.
type Service interface {
	port.Backend
	CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error)
}

type Handler struct {
	Service  Service
	Hub      *ws.Hub
	Gatherer prometheus.Gatherer
}

func NewHandler(svc Service, hub *ws.Hub, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		Service:  svc,
		Hub:      hub,
		Gatherer: gatherer,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/room", h.createRoom)
	r.Delete("/room/{roomName}", h.deleteRoom)

	r.Route("/query/{id}", func(r chi.Router) {
		r.Get("/", h.getQueryMode)
		r.Patch("/", h.patchQueryMode)
	})

	r.Route("/call-request", func(r chi.Router) {
		r.Get("/", h.listCallRequests)
		r.Post("/", h.createCallRequest)
		r.Put("/{id}", h.updateCallRequest)
	})

	if h.Hub != nil {
		r.Get("/ws", h.ServeWS)
	}
	return r
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var spec domain.RoomSpec
	if !decode(w, r, &spec) {
		return
	}
	grant, err := h.Service.CreateRoom(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteRoom(r.Context(), chi.URLParam(r, "roomName")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modeDTO struct {
	CommunicationMode domain.CommunicationMode `json:"communicationMode"`
}

func (h *Handler) patchQueryMode(w http.ResponseWriter, r *http.Request) {
	id, ok := queryIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var body modeDTO
	if !decode(w, r, &body) {
		return
	}
	if err := h.Service.SetCommunicationMode(r.Context(), id, body.CommunicationMode); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getQueryMode(w http.ResponseWriter, r *http.Request) {
	id, ok := queryIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	mode, err := h.Service.CommunicationMode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modeDTO{CommunicationMode: mode})
}

func (h *Handler) createCallRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.CallRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := h.Service.CreateCallRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type statusDTO struct {
	Status    domain.RequestStatus `json:"status"`
	RequestID string               `json:"requestId,omitempty"`
}

func (h *Handler) updateCallRequest(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domain.NewValidationError("INVALID_REQUEST_ID", "request id is not a uuid"))
		return
	}
	var body statusDTO
	if !decode(w, r, &body) {
		return
	}
	if body.RequestID != "" && body.RequestID != id.String() {
		writeError(w, domain.NewValidationError("REQUEST_ID_MISMATCH", "requestId does not match the path"))
		return
	}
	update, err := h.Service.UpdateCallRequest(r.Context(), id, body.Status)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) && !update.Request.ID.IsZero() {
			writeJSON(w, http.StatusConflict, errorDTO{Error: toErrorBody(err), Request: &update.Request})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (h *Handler) listCallRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := queryIDParam(w, r.URL.Query().Get("queryId"))
	if !ok {
		return
	}
	reqs, err := h.Service.ListCallRequests(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.CallRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
}

type errorDTO struct {
	Error   errorBody           `json:"error"`
	Request *domain.CallRequest `json:"request,omitempty"`
}

func toErrorBody(err error) errorBody {
	var e *domain.Error
	if errors.As(err, &e) {
		return errorBody{Kind: e.Kind, Code: e.Code, Message: e.Message}
	}
	return errorBody{Kind: domain.KindTransientBackend, Code: "INTERNAL", Message: "internal error"}
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.KindValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.KindConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorDTO{Error: toErrorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, domain.NewValidationError("INVALID_BODY", "request body is not valid json"))
		return false
	}
	return true
}

func queryIDParam(w http.ResponseWriter, raw string) (domain.QueryID, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		writeError(w, domain.NewValidationError("MISSING_QUERY_ID", "queryId must be a positive integer"))
		return 0, false
	}
	return domain.QueryID(n), true
}
