package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "wamux/internal/errors"
	"wamux/internal/metrics"
	"wamux/internal/models"
	"wamux/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router     *mux.Router
	server     *http.Server
	logger     *logrus.Logger
	supervisor *service.Supervisor
	ledger     *service.Ledger
	gateway    service.Gateway
	cfg        models.ServerConfig
}

func NewServer(cfg models.ServerConfig, supervisor *service.Supervisor, ledger *service.Ledger, gateway service.Gateway, logger *logrus.Logger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     logger,
		supervisor: supervisor,
		ledger:     ledger,
		gateway:    gateway,
		cfg:        cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	s.router.HandleFunc("/sessions", s.handleCreateSession()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions", s.handleListSessions()).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.handleGetSession()).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}", s.handleDeleteSession()).Methods(http.MethodDelete)
	s.router.HandleFunc("/sessions/{id}/pair", s.handlePair()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/send", s.handleSend()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/status", s.handleSendStatus()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/status", s.handleLastStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/webhooks", s.handleGetWebhooks()).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions/{id}/webhooks", s.handlePutWebhooks()).Methods(http.MethodPut)
	s.router.HandleFunc("/sessions/{id}/forward", s.handleForward()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/retry", s.handleRetry()).Methods(http.MethodPost)
	s.router.HandleFunc("/sessions/{id}/messages/undelivered", s.handleUndelivered()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)

	message := "internal error"
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	s.writeJSON(w, httpStatusFor(code), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func httpStatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeNotConnected, apperrors.ErrCodeNotInitialized:
		return http.StatusConflict
	case apperrors.ErrCodeRecipientUnregistered:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	exists, err := s.gateway.SessionExists(r.Context(), id)
	if err != nil {
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to check session"))
		return "", false
	}
	if !exists {
		s.writeError(w, apperrors.New(apperrors.ErrCodeNotFound, "session not found"))
		return "", false
	}
	return id, true
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	type request struct {
		ID string `json:"id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		result, err := s.supervisor.Create(r.Context(), req.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, result)
	}
}

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := s.supervisor.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.supervisor.Info(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.supervisor.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePair() http.HandlerFunc {
	type request struct {
		Phone string `json:"phone"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		code, err := s.supervisor.PairRequest(r.Context(), mux.Vars(r)["id"], req.Phone)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"code": code})
	}
}

func (s *Server) handleSend() http.HandlerFunc {
	type request struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		receipt, err := s.supervisor.SendText(r.Context(), mux.Vars(r)["id"], req.To, req.Text)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"messageId": receipt.MessageID,
			"timestamp": receipt.TimestampMs,
		})
	}
}

func (s *Server) handleSendStatus() http.HandlerFunc {
	type request struct {
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		receipt, err := s.supervisor.SendStatus(r.Context(), mux.Vars(r)["id"], req.Text)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"messageId": receipt.MessageID,
			"timestamp": receipt.TimestampMs,
		})
	}
}

func (s *Server) handleLastStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		snap, err := s.gateway.LoadLastStatus(r.Context(), id)
		if err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to load status"))
			return
		}
		if snap == nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeNotFound, "no status sent yet"))
			return
		}
		s.writeJSON(w, http.StatusOK, json.RawMessage(snap))
	}
}

func (s *Server) handleGetWebhooks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		cfg, err := s.gateway.LoadWebhookConfig(r.Context(), id)
		if err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to load webhook config"))
			return
		}
		if cfg == nil {
			cfg = &models.WebhookConfig{}
		}
		s.writeJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) handlePutWebhooks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		var cfg models.WebhookConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		if err := s.ledger.OnWebhookConfigChange(r.Context(), id, cfg); err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to save webhook config"))
			return
		}
		s.writeJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) handleForward() http.HandlerFunc {
	type request struct {
		Target string   `json:"target,omitempty"`
		IDs    []string `json:"ids,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		outcomes, err := s.ledger.Forward(r.Context(), id, req.Target, req.IDs)
		if err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to forward messages"))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": outcomes})
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	type request struct {
		Target string   `json:"target,omitempty"`
		IDs    []string `json:"ids,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}

		outcomes, err := s.ledger.RetryPending(r.Context(), id, req.Target, req.IDs)
		if err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to retry messages"))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": outcomes})
	}
}

func (s *Server) handleUndelivered() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		msgs, err := s.gateway.QueryUndelivered(r.Context(), id, r.URL.Query().Get("target"))
		if err != nil {
			s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to query messages"))
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
	}
}
