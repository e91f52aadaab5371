package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rently/internal/config"
	"rently/internal/domain"
	"rently/internal/models"
	"rently/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Reservations is the lifecycle surface the HTTP layer drives.
type Reservations interface {
	Create(ctx context.Context, p models.Principal, req service.CreateRequest) (*models.Reservation, error)
	Update(ctx context.Context, p models.Principal, id string, req service.UpdateRequest) (*models.Reservation, error)
	ChangeState(ctx context.Context, p models.Principal, id string, target models.Status, reason string) (*models.Reservation, error)
	CancelByGuest(ctx context.Context, p models.Principal, id string) (*models.Reservation, error)
	Delete(ctx context.Context, p models.Principal, id string) error
	FindByID(ctx context.Context, id string) (*models.Reservation, error)
	Search(ctx context.Context, filter models.Filter) (*models.Page, error)
	Occupancy(ctx context.Context, accommodationID int64, from, to time.Time) ([]*models.Reservation, error)
	History(ctx context.Context, id string) ([]*models.Transition, error)
}

// ReadyFunc reports whether the backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

const maxBodyBytes = 1 << 20

// HTTPServer exposes the reservation API over JSON/HTTP.
type HTTPServer struct {
	cfg            config.APIConfig
	reservations   Reservations
	accommodations domain.AccommodationLookup
	auth           *HTTPAuth
	ready          ReadyFunc
	validate       *validator.Validate
	handler        http.Handler
	server         *http.Server
	logger         *zerolog.Logger
}

func NewHTTPServer(
	cfg config.APIConfig,
	reservations Reservations,
	accommodations domain.AccommodationLookup,
	identity domain.IdentityProvider,
	ready ReadyFunc,
	logger *zerolog.Logger,
) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:            cfg,
		reservations:   reservations,
		accommodations: accommodations,
		ready:          ready,
		validate:       newValidator(),
		logger:         logger,
	}
	srv.auth = NewHTTPAuth(cfg, identity, logger)

	mux := http.NewServeMux()
	srv.handle(mux, "GET /healthz", srv.handleHealth)
	srv.handle(mux, "GET /readyz", srv.handleReady)
	srv.handle(mux, "POST /api/v1/reservations", srv.handleCreate)
	srv.handle(mux, "GET /api/v1/reservations", srv.handleList)
	srv.handle(mux, "GET /api/v1/reservations/{id}", srv.handleGet)
	srv.handle(mux, "PATCH /api/v1/reservations/{id}", srv.handleUpdate)
	srv.handle(mux, "DELETE /api/v1/reservations/{id}", srv.handleDelete)
	srv.handle(mux, "POST /api/v1/reservations/{id}/state", srv.handleChangeState)
	srv.handle(mux, "POST /api/v1/reservations/{id}/cancel", srv.handleCancel)
	srv.handle(mux, "GET /api/v1/reservations/{id}/history", srv.handleHistory)
	srv.handle(mux, "GET /api/v1/accommodations/{id}/occupancy", srv.handleOccupancy)

	srv.handler = Chain(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoverMiddleware(logger),
		srv.auth.Wrap,
	)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, instrument(pattern, h))
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInvalidState:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Request failed")
		writeError(w, status, "internal error")
		return
	case http.StatusServiceUnavailable:
		writeError(w, status, "request timed out")
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
