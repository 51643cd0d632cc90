package handler

import (
	"fmt"
	"net/http"

	"mapmo/backend/internal/chathub"
	"mapmo/backend/internal/localization"
	"mapmo/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type searchRequest struct {
	SearchType models.ConversationType `json:"search_type"`
}

// Search runs one matching round for the caller.
func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
		return
	}
	if req.SearchType == "" {
		req.SearchType = models.TypeChat
	}

	res, err := h.Engine.Search(c.Request.Context(), userID(c), req.SearchType)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Matched() {
		h.respond(c, http.StatusOK, localization.KeySearching, gin.H{"status": "searching"})
		return
	}

	conv := res.Conversation
	h.respond(c, http.StatusOK, localization.KeyMatchFound, gin.H{
		"status": "matched",
		"match": models.MatchFound{
			ConversationID:   conv.ID,
			ConversationType: conv.Type,
			ChatURL:          "/chat/" + conv.ID,
			MatchedUser:      models.MatchedUser{ID: res.Partner.ID, Nickname: res.Partner.Nickname},
		},
		"existing": res.Existing,
	})
}

func (h *Handler) CancelSearch(c *gin.Context) {
	if err := h.Engine.CancelSearch(c.Request.Context(), userID(c)); err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, localization.KeySearchCancelled, gin.H{"status": "idle"})
}

type keepRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	KeepStatus     *bool  `json:"keep_status" binding:"required"`
}

// Keep records the caller's keep decision; the hub broadcasts it.
func (h *Handler) Keep(c *gin.Context) {
	var req keepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
		return
	}

	conv, err := h.Hub.HandleKeep(c.Request.Context(), userID(c), req.ConversationID, *req.KeepStatus)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, localization.KeyKeepUpdated, gin.H{
		"conversation_id": conv.ID,
		"keep_status":     conv.Keep(userID(c)),
		"both_kept":       conv.BothKept(),
	})
}

type endRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

func (h *Handler) End(c *gin.Context) {
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, localization.KeyInvalidRequest)
		return
	}
	if err := h.Hub.EndByUser(c.Request.Context(), userID(c), req.ConversationID); err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, localization.KeyConversationEnd, gin.H{
		"conversation_id":     req.ConversationID,
		"redirect_to_waiting": true,
	})
}

// participantConversation loads a conversation the caller belongs to.
func (h *Handler) participantConversation(c *gin.Context) (*models.Conversation, error) {
	conv, err := h.Storage.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID(c)) {
		return nil, chathub.ErrNotParticipant
	}
	return conv, nil
}

// Messages returns the conversation history, oldest first.
func (h *Handler) Messages(c *gin.Context) {
	conv, err := h.participantConversation(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := h.Storage.GetMessages(c.Request.Context(), conv.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]models.ChatMessageOut, 0, len(msgs))
	for i := range msgs {
		out = append(out, models.ChatMessageOutFrom(&msgs[i]))
	}
	h.respond(c, http.StatusOK, localization.KeyConversationInfo, gin.H{"messages": out})
}

func (h *Handler) Countdown(c *gin.Context) {
	status, err := h.Hub.Countdown(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, http.StatusOK, localization.KeyConversationInfo, status)
}

// ConversationInfo describes an active conversation from the caller's side.
func (h *Handler) ConversationInfo(c *gin.Context) {
	conv, err := h.participantConversation(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !conv.IsActive {
		h.fail(c, chathub.ErrConversationEnded)
		return
	}
	me := userID(c)
	partner, err := h.Storage.GetUser(c.Request.Context(), conv.Partner(me))
	if err != nil {
		h.fail(c, fmt.Errorf("load partner: %w", err))
		return
	}
	h.respond(c, http.StatusOK, localization.KeyConversationInfo, gin.H{
		"conversation_id":   conv.ID,
		"conversation_type": conv.Type,
		"partner":           models.MatchedUser{ID: partner.ID, Nickname: partner.Nickname},
		"my_keep":           conv.Keep(me),
		"partner_keep":      conv.Keep(partner.ID),
		"countdown":         conv.Countdown(h.now()),
		"created_at":        conv.CreatedAt,
	})
}

func (h *Handler) SearchingCount(c *gin.Context) {
	n, err := h.Storage.CountUsersByPairingState(c.Request.Context(), models.StateSearching)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
