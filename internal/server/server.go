package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelrelay/modelrelay/internal/admission"
	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/repository"
	"github.com/modelrelay/modelrelay/internal/service"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

type Server struct {
	addr     string
	log      *slog.Logger
	registry *registry.Registry
	chat     *service.ChatService
	images   *service.GenerationService
	videos   *service.GenerationService
	payments *service.PaymentService
	users    *repository.UserRepository
	usage    *repository.UsageRepository
	router   *chi.Mux
}

func New(
	addr string,
	log *slog.Logger,
	verifier auth.Verifier,
	reg *registry.Registry,
	chat *service.ChatService,
	images *service.GenerationService,
	videos *service.GenerationService,
	payments *service.PaymentService,
	users *repository.UserRepository,
	usage *repository.UsageRepository,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		log:      log,
		registry: reg,
		chat:     chat,
		images:   images,
		videos:   videos,
		payments: payments,
		users:    users,
		usage:    usage,
		router:   r,
	}

	r.Post("/webhook/payment", s.handlePaymentWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(auth.Middleware(verifier, users, s.writeError))
		protected.Post("/v1/chat/completions", s.handleChatCompletions)
		protected.Post("/v1/images/generations", s.handleImageGenerations)
		protected.Get("/v1/images/{id}", s.handleTaskStatus(s.images))
		protected.Post("/v1/videos/generations", s.handleVideoGenerations)
		protected.Get("/v1/videos/{id}", s.handleTaskStatus(s.videos))
		protected.Get("/v1/models", s.handleModels)
		protected.Get("/v1/credits", s.handleCredits)
		protected.Get("/v1/usage", s.handleUsage)
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: streaming responses stay open as long as the
		// upstream keeps emitting.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("gateway listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// writeError maps the error taxonomy onto HTTP statuses with the uniform
// {"error": ...} shape. Raw upstream payloads never reach the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var upstreamErr *upstream.Error
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
		msg = "authentication required"
	case errors.Is(err, registry.ErrUnknownModel):
		status = http.StatusBadRequest
		msg = "invalid model"
	case errors.Is(err, admission.ErrAlreadyInFlight):
		status = http.StatusTooManyRequests
		msg = "another generation is already running; wait for it to finish"
	case errors.Is(err, admission.ErrRateLimited):
		status = http.StatusTooManyRequests
		msg = "too many requests; slow down"
	case errors.Is(err, admission.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
		msg = "daily limit for advanced models reached; upgrade your plan for unlimited access"
	case errors.Is(err, repository.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
		msg = "insufficient credits"
	case errors.Is(err, upstream.ErrGenerationTimeout):
		status = http.StatusGatewayTimeout
		msg = "generation timed out"
	case errors.Is(err, upstream.ErrNoURLFound):
		status = http.StatusBadGateway
		msg = "provider returned no result"
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		msg = "provider request failed"
	case errors.Is(err, service.ErrBadSignature):
		status = http.StatusForbidden
		msg = "invalid signature"
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
