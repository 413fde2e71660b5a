package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	DefaultListenAddr = ":8080"
	shutdownTimeout   = 10 * time.Second
)

// WeighInRequest is the body accepted by POST /weigh-ins. Timestamp is
// RFC 3339 and defaults to the time the request is handled.
type WeighInRequest struct {
	Weight    *float64 `json:"weight"`
	Unit      string   `json:"unit"`
	Timestamp string   `json:"timestamp"`
}

type weighInResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Server receives weigh-ins over HTTP, for scales or home automation that can
// fire a webhook, and uploads them one at a time through a shared session.
type Server struct {
	config   Config
	client   WeighInClient
	sessions SessionStore
	token    string
	mu       sync.Mutex
}

// NewServer returns a server that uploads with client. Requests must carry
// "Authorization: Bearer <token>" unless token is empty.
func NewServer(config Config, client WeighInClient, sessions SessionStore, token string) *Server {
	return &Server{
		config:   config,
		client:   client,
		sessions: sessions,
		token:    token,
	}
}

// Handler builds the echo instance with all routes and middleware.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthcheck", handleHealthcheck)
	e.POST("/weigh-ins", s.handleWeighIn, s.requireToken)

	logger := slog.Default()
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				logger.LogAttrs(context.Background(), slog.LevelInfo, "request",
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
				)
			} else {
				logger.LogAttrs(context.Background(), slog.LevelError, "request failed",
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.String("err", v.Error.Error()),
				)
			}
			return nil
		},
	}))

	return e
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	e := s.Handler()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return connectionError("listen "+addr, err)
	case <-ctx.Done():
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func handleHealthcheck(c echo.Context) error {
	return c.JSON(http.StatusOK, weighInResponse{Ok: true})
}

func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.token == "" {
			return next(c)
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if auth != "Bearer "+s.token {
			slog.Warn("rejected weigh-in with missing or incorrect token", "remote", c.RealIP())
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}

func (s *Server) handleWeighIn(c echo.Context) error {
	var req WeighInRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, weighInResponse{Message: "malformed body", Kind: KindValidation.String()})
	}

	config, weight, err := s.requestConfig(req)
	if err != nil {
		return c.JSON(statusForKind(KindOf(err)), weighInResponse{Message: err.Error(), Kind: KindOf(err).String()})
	}

	// uploads share one session, so they run one at a time
	s.mu.Lock()
	defer s.mu.Unlock()

	var out bytes.Buffer
	syncer := NewSyncer(config, s.client, s.sessions, &out)
	err = syncer.SyncWeight(c.Request().Context(), weight)
	message := strings.TrimSpace(out.String())
	if err != nil {
		return c.JSON(statusForKind(KindOf(err)), weighInResponse{Message: message, Kind: KindOf(err).String()})
	}
	return c.JSON(http.StatusCreated, weighInResponse{Ok: true, Message: message})
}

func (s *Server) requestConfig(req WeighInRequest) (Config, float64, error) {
	if req.Weight == nil {
		return Config{}, 0, validationError("", errors.New("weight is required"))
	}

	config := s.config
	if req.Unit != "" {
		config.Unit = req.Unit
	}
	config.MeasuredAt = time.Time{}
	if req.Timestamp != "" {
		at, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			return Config{}, 0, validationError("timestamp", err)
		}
		config.MeasuredAt = at
	}
	return config, *req.Weight, nil
}

func statusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusBadGateway
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
