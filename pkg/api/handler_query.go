package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sqlinsight/engine/pkg/account"
	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/saga/state"
	"github.com/sqlinsight/engine/pkg/workers"
)

// SubmitRequest is the body of POST /users/:user_id/query/async.
type SubmitRequest struct {
	Question string `json:"question" binding:"required"`
}

// SubmitResponse acknowledges an accepted question.
type SubmitResponse struct {
	SagaID         string `json:"saga_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	StatusEndpoint string `json:"status_endpoint"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	user, err := s.accounts.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		s.logger.Error("User lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	dbConfig, err := s.accounts.GetDatabaseConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNoDatabaseConfig) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no database configured for user"})
			return
		}
		s.logger.Error("Database config lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if user.QuotaRemaining <= 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "query quota exceeded"})
		return
	}

	sagaID := uuid.NewString()
	env := saga.Envelope{
		SagaID:    sagaID,
		UserID:    user.ID,
		AccountID: user.AccountID,
		Question:  req.Question,
	}
	env.PushStep(workers.StepSubmitted, 0, saga.StatusSuccess, map[string]any{
		"question": req.Question,
	})

	if err := s.state.MarkPending(ctx, sagaID, map[string]any{
		"question":   req.Question,
		"user_id":    user.ID,
		"account_id": user.AccountID,
	}); err != nil {
		// Non-fatal: the saga proceeds, polling sees pending later writes.
		s.logger.Warn("Failed to mark saga pending", "saga_id", sagaID, "error", err)
	}

	msg := saga.InitiatedMessage{Envelope: env, DBConfig: dbConfig}
	if err := s.publisher.Publish(ctx, broker.QueueGenerate, msg, broker.Headers{
		SagaID:    sagaID,
		UserID:    user.ID,
		AccountID: user.AccountID,
	}); err != nil {
		s.logger.Error("Failed to publish initiated message", "saga_id", sagaID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit query"})
		return
	}

	if err := s.accounts.DecrementQuota(ctx, userID); err != nil {
		s.logger.Warn("Quota decrement failed after publish", "user_id", userID, "error", err)
	}
	if err := s.accounts.LogUsage(ctx, userID, sagaID, req.Question); err != nil {
		s.logger.Warn("Usage log write failed", "user_id", userID, "error", err)
	}

	c.JSON(http.StatusOK, SubmitResponse{
		SagaID:         sagaID,
		Status:         "processing",
		Message:        "Query accepted for processing",
		StatusEndpoint: fmt.Sprintf("/users/%d/query/status/%s", userID, sagaID),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	sagaID := c.Param("saga_id")
	ctx := c.Request.Context()

	status, err := s.state.GetStatus(ctx, sagaID)
	if err != nil {
		if errors.Is(err, state.ErrSagaNotFound) {
			// Expired or never existed; either way the outcome is unknowable.
			c.JSON(http.StatusOK, gin.H{
				"saga_id": sagaID,
				"status":  "unknown",
				"message": "No record of this query. It may have expired.",
			})
			return
		}
		s.logger.Error("Status lookup failed", "saga_id", sagaID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := gin.H{"saga_id": sagaID, "status": status}
	switch status {
	case saga.SagaPending:
		resp["message"] = "Query is being processed"
	default:
		result, err := s.state.GetResult(ctx, sagaID)
		if err != nil {
			s.logger.Warn("Result lookup failed", "saga_id", sagaID, "error", err)
		} else {
			resp["result"] = result
		}
	}
	c.JSON(http.StatusOK, resp)
}
