package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"securechat/internal/models"
	"securechat/internal/repositories"
)

const defaultHistoryLimit = 50

// RoomHandler serves room member keys and message history.
type RoomHandler struct {
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
}

func NewRoomHandler(rooms repositories.RoomRepository, messages repositories.MessageRepository) *RoomHandler {
	return &RoomHandler{rooms: rooms, messages: messages}
}

// MemberKeys lists the room's members that have a public key on file.
func (h *RoomHandler) MemberKeys(c *gin.Context) {
	roomID := c.Param("room_id")
	members, err := h.rooms.MembersWithPublicKeys(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, repositories.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to load member keys")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load member keys"})
		return
	}
	if members == nil {
		members = []models.MemberKey{}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": members})
}

// Messages returns a page of room history, oldest first. Encrypted
// messages are returned as ciphertext.
func (h *RoomHandler) Messages(c *gin.Context) {
	roomID := c.Param("room_id")
	userID := c.GetString("userID")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	member, err := h.rooms.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this room"})
		return
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), roomID, limit, c.Query("before"))
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to load messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
