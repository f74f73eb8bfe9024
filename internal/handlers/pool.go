package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/skillshare-signaling/internal/matchmaker"
	"github.com/mossy-p/skillshare-signaling/internal/middleware"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

// Pool is the matchmaking surface the handlers need.
type Pool interface {
	EnterPool(ctx context.Context, userID string, possess, want []string) (models.WaitingPoolEntry, error)
	LeavePool(ctx context.Context, userID string) error
	Watch(ctx context.Context, userID string) (matchmaker.Match, error)
	ActiveSession(ctx context.Context, userID string) (models.CallSession, error)
	EndCall(ctx context.Context, userID, peerID string) (bool, error)
}

var _ Pool = (*matchmaker.Matchmaker)(nil)

// EnterPool puts the authenticated user into the waiting pool
func EnterPool(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var req models.EnterPoolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entry, err := pool.EnterPool(c.Request.Context(), userID, req.PossessSkills, req.WantSkills)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

// LeavePool removes the authenticated user from the waiting pool
func LeavePool(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		if err := pool.LeavePool(c.Request.Context(), userID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "left"})
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSkills), errors.Is(err, models.ErrInvalidEnvelope):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, models.ErrStoreUnavailable):
		log.Error().Err(err).Str("module", "http").Str("path", c.FullPath()).Msg("store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store unavailable, try again"})
	default:
		log.Error().Err(err).Str("module", "http").Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
