package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/services"
)

const maxPageSize = 200

// Presence exposes who is connected.
type Presence interface {
	Snapshot() []int64
}

// MessageHandler serves the direct message REST endpoints.
type MessageHandler struct {
	messages services.MessageService
	presence Presence
}

func NewMessageHandler(messages services.MessageService, presence Presence) *MessageHandler {
	return &MessageHandler{messages: messages, presence: presence}
}

// Register mounts the handler on an authenticated route group.
func (h *MessageHandler) Register(r gin.IRoutes) {
	r.GET("/conversation/:user_id", h.GetConversation)
	r.GET("/unseen-count", h.GetUnseenSummary)
	r.GET("/unseen-count/:user_id", h.GetUnseenFrom)
	r.PUT("/mark-seen/:peer_id", h.MarkSeen)
	r.POST("/send/:receiver_id", h.SendMessage)
	r.GET("/online-users", h.OnlineUsers)
}

// GetConversation returns the messages between the caller and user_id,
// oldest first. before and limit page backwards through long histories.
func (h *MessageHandler) GetConversation(c *gin.Context) {
	peerID, ok := paramID(c, "user_id")
	if !ok {
		return
	}

	var beforeID int64
	if v := c.Query("before"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
		beforeID = parsed
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxPageSize)
	}

	msgs, err := h.messages.Conversation(c.Request.Context(), callerID(c), peerID, beforeID, limit)
	if err != nil {
		writeError(c, err, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// GetUnseenFrom returns how many messages from user_id the caller has not seen.
func (h *MessageHandler) GetUnseenFrom(c *gin.Context) {
	senderID, ok := paramID(c, "user_id")
	if !ok {
		return
	}
	n, err := h.messages.UnseenFrom(c.Request.Context(), callerID(c), senderID)
	if err != nil {
		writeError(c, err, "failed to count unseen messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unseenCount": n})
}

// GetUnseenSummary returns the caller's total unseen count and a per-sender breakdown.
func (h *MessageHandler) GetUnseenSummary(c *gin.Context) {
	ctx := c.Request.Context()
	userID := callerID(c)

	total, err := h.messages.UnseenCount(ctx, userID)
	if err != nil {
		writeError(c, err, "failed to count unseen messages")
		return
	}
	bySender, err := h.messages.UnseenBySender(ctx, userID)
	if err != nil {
		writeError(c, err, "failed to count unseen messages")
		return
	}
	if bySender == nil {
		bySender = []models.UnseenCount{}
	}
	c.JSON(http.StatusOK, gin.H{"unseenCount": total, "bySender": bySender})
}

// MarkSeen marks everything peer_id sent to the caller as seen.
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	peerID, ok := paramID(c, "peer_id")
	if !ok {
		return
	}
	updated, err := h.messages.MarkRead(c.Request.Context(), callerID(c), peerID)
	if err != nil {
		writeError(c, err, "failed to mark messages as seen")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "messages marked as seen", "updated": updated})
}

type sendRequest struct {
	Text  string `json:"text" form:"text"`
	Image string `json:"image" form:"image"`
}

// SendMessage accepts a JSON or form body with text and/or an image URL.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	receiverID, ok := paramID(c, "receiver_id")
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, fmt.Errorf("%w: malformed body", apperr.ErrValidation), "")
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), models.NewMessage{
		SenderID:   callerID(c),
		ReceiverID: receiverID,
		Text:       req.Text,
		Image:      req.Image,
	})
	if err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// OnlineUsers returns the ids of every connected user.
func (h *MessageHandler) OnlineUsers(c *gin.Context) {
	ids := h.presence.Snapshot()
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"onlineUsers": ids})
}
