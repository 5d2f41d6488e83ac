// Package api exposes the submit-and-poll HTTP surface: a question goes in,
// a saga id comes out, and the caller polls the saga's status until it
// reaches a terminal state.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sqlinsight/engine/pkg/account"
	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/workers"
)

// AccountStore is the slice of the account store the API needs.
// Satisfied by account.Store.
type AccountStore interface {
	GetUser(ctx context.Context, userID int64) (account.User, error)
	GetDatabaseConfig(ctx context.Context, userID int64) (saga.DBConfig, error)
	DecrementQuota(ctx context.Context, userID int64) error
	LogUsage(ctx context.Context, userID int64, sagaID, question string) error
}

// StateReader reads saga progress for the poll endpoint.
// Satisfied by state.Store.
type StateReader interface {
	MarkPending(ctx context.Context, sagaID string, initial map[string]any) error
	GetStatus(ctx context.Context, sagaID string) (string, error)
	GetResult(ctx context.Context, sagaID string) (map[string]any, error)
}

// Server serves the query API.
type Server struct {
	accounts  AccountStore
	state     StateReader
	publisher workers.Publisher
	logger    *slog.Logger

	httpServer *http.Server
}

// NewServer builds the API server and its routes.
func NewServer(addr string, accounts AccountStore, state StateReader, publisher workers.Publisher) *Server {
	s := &Server{
		accounts:  accounts,
		state:     state,
		publisher: publisher,
		logger:    slog.Default(),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/users/:user_id/query/async", s.handleSubmit)
	router.GET("/users/:user_id/query/status/:saga_id", s.handleStatus)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
