package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/skillshare-signaling/internal/middleware"
	"github.com/mossy-p/skillshare-signaling/internal/models"
)

// ActiveCallResponse is the caller's active session plus the partner id
type ActiveCallResponse struct {
	models.CallSession
	PeerID string `json:"peerId"`
}

// GetActiveCall returns the authenticated user's active session
func GetActiveCall(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		session, err := pool.ActiveSession(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err)
			return
		}
		peerID, _ := session.PeerOf(userID)
		c.JSON(http.StatusOK, ActiveCallResponse{CallSession: session, PeerID: peerID})
	}
}

// EndCall ends the session with the given peer. Ending twice is fine.
func EndCall(pool Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		var req models.EndCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.PeerID == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "peerId must differ from the caller"})
			return
		}

		ended, err := pool.EndCall(c.Request.Context(), userID, req.PeerID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ended": ended})
	}
}
