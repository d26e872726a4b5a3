package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"securechat/internal/crypto"
	"securechat/internal/repositories"
	"securechat/internal/telemetry"
)

// KeyHandler serves the public key directory.
type KeyHandler struct {
	users repositories.UserRepository
	audit *telemetry.AuditEmitter
}

func NewKeyHandler(users repositories.UserRepository, audit *telemetry.AuditEmitter) *KeyHandler {
	return &KeyHandler{users: users, audit: audit}
}

// PutMyPublicKey stores the caller's X25519 public key. The key must be
// base64 of exactly 32 bytes.
func (h *KeyHandler) PutMyPublicKey(c *gin.Context) {
	var req struct {
		PublicKey string `json:"publicKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "publicKey must be base64 of 32 bytes"})
		return
	}

	userID := c.GetString("userID")
	if err := h.users.SetPublicKey(c.Request.Context(), userID, req.PublicKey); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to store public key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store public key"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.Record{
		Action:    telemetry.ActionPublicKeyUpdated,
		Text:      "public key updated",
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
	})
	c.JSON(http.StatusOK, gin.H{"userId": userID, "publicKey": req.PublicKey})
}

// GetPublicKey returns the public key a user published.
func (h *KeyHandler) GetPublicKey(c *gin.Context) {
	userID := c.Param("user_id")
	key, err := h.users.GetPublicKey(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "public key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load public key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "publicKey": key})
}
