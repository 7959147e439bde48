package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"agentspace/internal/config"
	"agentspace/internal/feedback"
	"agentspace/internal/history"
	"agentspace/internal/provider"
	"agentspace/internal/router"
	"agentspace/internal/stream"
	"agentspace/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 120 * time.Second
	idleTimeout         = 120 * time.Second
	rateLimiterExpiry   = 3 * time.Minute

	internalErrorMessage = "Internal error. Please try again later."
)

type Server struct {
	cfg      config.ServerConfig
	router   *router.Router
	feedback *feedback.Dispatcher
	logger   *slog.Logger
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.ServerConfig, rt *router.Router, fb *feedback.Dispatcher, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if fb == nil {
		return nil, errors.New("feedback dispatcher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID},
		}))
	}
	if cfg.RateLimit > 0 {
		e.Use(rateLimiter(cfg.RateLimit))
	}

	srv := &Server{
		cfg:      cfg,
		router:   rt,
		feedback: fb,
		logger:   logger,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo instance, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Port, s.router.Providers())
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.feedback.Close(shutdownCtx); err != nil {
			s.logger.Warn("pending feedback not delivered before shutdown", "error", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/providers", s.handleProviders)
	s.app.POST("/chat/multi_agent", s.handleMultiAgent)
	s.app.POST("/chat/:provider", s.handleChat)
	s.app.POST("/stream/:provider", s.handleStream)
	s.app.POST("/api/feedback", s.handleFeedback)
	s.app.POST("/api/frontend-logs", s.handleFrontendLog)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Agent Space API is running",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"providers": s.router.Providers()})
}

func (s *Server) handleChat(c echo.Context) error {
	name := c.Param("provider")

	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	unifiedReq, err := req.ToUnified()
	if err != nil {
		return toHTTPError(err)
	}

	out, err := s.router.Chat(c.Request().Context(), name, unifiedReq)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			return toHTTPError(err)
		}
		s.logProviderFailure(name, err)
		return c.JSON(http.StatusInternalServerError, translator.ProviderResponse{
			Provider: name,
			Response: internalErrorMessage,
		})
	}

	return c.JSON(http.StatusOK, translator.ProviderResponse{Provider: name, Response: out})
}

func (s *Server) handleMultiAgent(c echo.Context) error {
	var req translator.MultiAgentRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return toHTTPError(err)
	}

	results := s.router.MultiAgent(c.Request().Context(), req.Message, req.Agents)
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleStream(c echo.Context) error {
	name := c.Param("provider")

	controller, err := s.router.Controller(name)
	if err != nil {
		return toHTTPError(err)
	}

	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	unifiedReq, err := req.ToUnified()
	if err != nil {
		return toHTTPError(err)
	}

	resp := c.Response()
	if err := http.NewResponseController(resp).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("could not clear write deadline for stream", "error", err)
	}

	header := resp.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	header.Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	s.router.Stream(ctx, controller, unifiedReq, &responseSink{ctx: ctx, resp: resp})
	return nil
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req translator.FeedbackRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return toHTTPError(err)
	}

	if _, err := s.feedback.Submit(req.Message); err != nil {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "feedback is not being accepted right now",
			Type:    "server_error",
		}
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleFrontendLog(c echo.Context) error {
	var req translator.FrontendLogRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
	}

	level := slog.LevelInfo
	switch strings.ToLower(req.Level) {
	case "error":
		level = slog.LevelError
	case "warn", "warning":
		level = slog.LevelWarn
	}
	s.logger.Log(c.Request().Context(), level, req.Message,
		"source", "frontend",
		"extra", req.Extra,
	)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) logProviderFailure(name string, err error) {
	var (
		missing *provider.MissingCredentialError
		callErr *provider.UpstreamCallFailedError
	)
	switch {
	case provider.IsTimeout(err):
		s.logger.Error("provider timed out", "provider", name, "error", err)
	case errors.As(err, &missing):
		s.logger.Error("provider is missing credentials", "provider", name)
	case errors.As(err, &callErr):
		s.logger.Error("provider call failed", "provider", name, "status", callErr.Status, "body", callErr.Body)
	default:
		s.logger.Error("provider request failed", "provider", name, "error", err)
	}
}

// responseSink writes frames to an SSE response and flushes each one.
type responseSink struct {
	ctx  context.Context
	resp *echo.Response
}

func (s *responseSink) Write(frame []byte) error {
	if _, err := s.resp.Write(frame); err != nil {
		return err
	}
	return http.NewResponseController(s.resp).Flush()
}

func (s *responseSink) Disconnected() bool {
	return s.ctx.Err() != nil
}

var _ stream.Sink = (*responseSink)(nil)

func rateLimiter(perSecond float64) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     int(math.Ceil(perSecond)) * 2,
			ExpiresIn: rateLimiterExpiry,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{Status: http.StatusForbidden, Message: "could not identify client", Type: "rate_limit_error"}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return requestError{Status: http.StatusTooManyRequests, Message: "too many requests", Type: "rate_limit_error"}
		},
	})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, provider.ErrUnknownProvider) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "unknown_provider",
		}
	}
	if errors.Is(err, history.ErrInvalidHistoryEntry) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "invalid_history_entry",
		}
	}

	return requestError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    "invalid_request_error",
	}
}

func printStartupBanner(port int, providers []string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("agentspace ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Printf("Providers: %s\n", strings.Join(providers, ", "))
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /providers")
	fmt.Println("  POST /chat/{provider}")
	fmt.Println("  POST /stream/{provider}")
	fmt.Println("  POST /chat/multi_agent")
	fmt.Println("  POST /api/feedback")
	fmt.Printf("Example:\n  curl -N http://%s:%d/stream/gemini -H 'Content-Type: application/json' -d '{\"message\":\"hello\"}'\n\n", host, port)
}
