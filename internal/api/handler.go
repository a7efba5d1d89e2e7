package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"whip-publisher/internal/publisher"
	"whip-publisher/internal/stats"
	"whip-publisher/internal/whip"
)

// Publisher is the part of publisher.Controller the handler drives.
type Publisher interface {
	Start(ctx context.Context, cfg publisher.SessionConfig) error
	Stop()
	State() publisher.State
	SessionID() string
	LastReport() (stats.Report, bool)
}

type Handler struct {
	publisher Publisher
	defaults  publisher.SessionConfig
	metrics   http.Handler
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewHandler serves the control API. defaults fill any field a start
// request leaves out; metrics may be nil.
func NewHandler(p Publisher, defaults publisher.SessionConfig, metrics http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		publisher: p,
		defaults:  defaults,
		metrics:   metrics,
		logger:    logger.With().Str("module", "api").Logger(),
		tracer:    otel.Tracer("http-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/session", h.handleSession)
	mux.HandleFunc("/stats", h.handleStatistics)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
}

type SessionResponse struct {
	ID    string          `json:"id,omitempty"`
	State publisher.State `json:"state"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleStart(w, r)
	case http.MethodDelete:
		h.handleStop(w, r)
	case http.MethodGet:
		h.respondJSON(w, http.StatusOK, h.status())
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		h.respondError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
	}
}

func (h *Handler) status() SessionResponse {
	return SessionResponse{ID: h.publisher.SessionID(), State: h.publisher.State()}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.StartSession", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	cfg := h.defaults
	cfg.ICEServers = append([]string(nil), h.defaults.ICEServers...)
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			h.respondError(w, err, http.StatusBadRequest)
			return
		}
	}
	span.SetAttributes(attribute.String("endpoint", cfg.WHIPEndpoint))

	if err := h.publisher.Start(ctx, cfg); err != nil {
		h.respondError(w, errors.New(publisher.Describe(err)), statusFor(err))
		return
	}
	h.respondJSON(w, http.StatusCreated, h.status())
}

func statusFor(err error) int {
	var whipErr *whip.Error
	switch {
	case errors.Is(err, publisher.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, publisher.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, publisher.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.As(err, &whipErr), errors.Is(err, whip.ErrAnswerTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.StopSession", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.publisher.Stop()
	h.respondJSON(w, http.StatusOK, h.status())
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Statistics", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	report, ok := h.publisher.LastReport()
	if !ok {
		h.respondError(w, errors.New("no stats reported yet"), http.StatusNotFound)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Error encoding JSON")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, code int) {
	h.respondJSON(w, code, map[string]string{"error": err.Error()})
}
