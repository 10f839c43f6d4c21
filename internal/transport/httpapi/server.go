// Package httpapi exposes the turn pipeline over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

type Config struct {
	Addr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"90s"`
	Debug        bool          `envconfig:"HTTP_DEBUG" default:"false"`
}

// TurnProcessor is the pipeline surface served over HTTP.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, in model.TurnInput) (*model.TurnResult, error)
	ConversationStage(ctx context.Context, conversationID string) (string, error)
}

type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. metrics may be nil, in which case /metrics is
// not mounted.
func NewServer(cfg Config, turns TurnProcessor, metrics http.Handler) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestLogger(), recovery())

	h := &handler{turns: turns}
	engine.GET("/healthz", h.health)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}
	v1 := engine.Group("/v1")
	{
		v1.POST("/messages", h.postMessage)
		v1.GET("/conversations/:id/stage", h.conversationStage)
	}

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	logx.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Next()

		logx.Debug().
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logx.Error().Interface("panic", recovered).Str("path", c.FullPath()).Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: errx.SystemErrorMessage})
	})
}
