package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/middleware"
	"lightfriend/internal/models"
	"lightfriend/internal/notify"
	"lightfriend/internal/privacy"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"
	"lightfriend/internal/validation"

	"github.com/gorilla/mux"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 64 << 10

// ToolRunner executes assistant tool calls.
type ToolRunner interface {
	Tools() []*mcp.Tool
	Call(ctx context.Context, userID, name string, raw json.RawMessage) string
}

// ReplyHandler consumes inbound SMS answers to confirmation prompts.
type ReplyHandler interface {
	HandleReply(ctx context.Context, userID, text string) (bool, string, error)
}

// BridgeManager controls per-user bridge connections.
type BridgeManager interface {
	StartConnection(ctx context.Context, userID string, platform models.Platform, payload string) (<-chan error, error)
	Disconnect(ctx context.Context, userID string, platform models.Platform) error
	ListConnections(ctx context.Context, userID string) ([]models.BridgeConnection, error)
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	config   models.ServerConfig
	tools    ToolRunner
	replies  ReplyHandler
	bridges  BridgeManager
	notifier notify.Notifier
	server   *http.Server
	verbose  bool

	// background login watchers stop when baseCtx is cancelled
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewServer(config models.ServerConfig, tools ToolRunner, replies ReplyHandler, bridges BridgeManager, notifier notify.Notifier, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		config:   config,
		tools:    tools,
		replies:  replies,
		bridges:  bridges,
		notifier: notifier,
		baseCtx:  ctx,
		cancel:   cancel,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.config.TrustProxy))
	s.router.Use(s.withVerbose)
	s.router.Use(middleware.BearerAuth(s.config.APIToken, "/health"))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/tools", s.handleListTools()).Methods(http.MethodGet)

	users := v1.PathPrefix("/users/{user}").Subrouter()
	users.HandleFunc("/tools/{tool}", s.handleToolCall()).Methods(http.MethodPost)
	users.HandleFunc("/replies", s.handleReply()).Methods(http.MethodPost)
	users.HandleFunc("/bridges", s.handleListBridges()).Methods(http.MethodGet)
	users.HandleFunc("/bridges/{platform}", s.handleConnect()).Methods(http.MethodPost)
	users.HandleFunc("/bridges/{platform}", s.handleDisconnect()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	port := s.config.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.config.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.config.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// withVerbose marks request contexts so log fields are written unmasked.
func (s *Server) withVerbose(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verbose {
			r = r.WithContext(service.WithVerbose(r.Context(), true))
		}
		next.ServeHTTP(w, r)
	})
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		appErrors.Entry(s.logger.WithField("request_id", tracing.GetRequestID(r.Context())), err).Error("Request failed")
	}
	s.writeJSON(w, status, appErrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return appErrors.NewValidationError("body", "", "must be a JSON object")
	}
	return nil
}

// pathParams validates {user} and, when present, {platform}.
func pathParams(r *http.Request) (string, models.Platform, error) {
	vars := mux.Vars(r)
	userID := vars["user"]
	if err := validation.ValidateUserID(userID); err != nil {
		return "", "", err
	}

	raw, ok := vars["platform"]
	if !ok {
		return userID, "", nil
	}
	platform, err := models.ParsePlatform(raw)
	if err != nil {
		return "", "", appErrors.NewUnsupportedPlatformError(raw)
	}
	return userID, platform, nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	}
}

func (s *Server) handleListTools() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Tools()})
	}
}

func (s *Server) handleToolCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := pathParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var raw json.RawMessage
		if err := decodeBody(w, r, &raw); err != nil {
			s.writeError(w, r, err)
			return
		}

		text := s.tools.Call(r.Context(), userID, mux.Vars(r)["tool"], raw)
		s.writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}

type replyRequest struct {
	Text string `json:"text"`
}

type replyResponse struct {
	Handled bool   `json:"handled"`
	Reply   string `json:"reply,omitempty"`
}

func (s *Server) handleReply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := pathParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req replyRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		handled, reply, err := s.replies.HandleReply(r.Context(), userID, req.Text)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, replyResponse{Handled: handled, Reply: reply})
	}
}

func (s *Server) handleListBridges() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := pathParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		conns, err := s.bridges.ListConnections(r.Context(), userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if conns == nil {
			conns = []models.BridgeConnection{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"bridges": conns})
	}
}

type connectRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, platform, err := pathParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req connectRequest
		if r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		if err := validation.ValidateLoginPayload(platform, req.Payload); err != nil {
			s.writeError(w, r, err)
			return
		}

		result, err := s.bridges.StartConnection(r.Context(), userID, platform, req.Payload)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.wg.Add(1)
		go s.reportLogin(userID, platform, result)

		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"platform": string(platform),
			"status":   string(models.StatusConnecting),
		})
	}
}

// reportLogin texts the user once the bridge login settles.
func (s *Server) reportLogin(userID string, platform models.Platform, result <-chan error) {
	defer s.wg.Done()

	var err error
	select {
	case err = <-result:
	case <-s.baseCtx.Done():
		return
	}

	text := fmt.Sprintf("Your %s bridge is connected.", platform.DisplayName())
	if err != nil {
		text = appErrors.GetUserMessage(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultNotifyTimeoutSec*time.Second)
	defer cancel()
	if nerr := s.notifier.Notify(ctx, userID, text); nerr != nil {
		s.logger.WithError(nerr).WithFields(logrus.Fields{
			service.LogFieldUserID:   privacy.MaskUserID(userID),
			service.LogFieldPlatform: platform,
		}).Warn("Failed to report bridge login result")
	}
}

func (s *Server) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, platform, err := pathParams(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if err := s.bridges.Disconnect(r.Context(), userID, platform); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
