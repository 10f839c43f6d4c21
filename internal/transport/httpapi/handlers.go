package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

type handler struct {
	turns TurnProcessor
}

type messageRequest struct {
	BusinessID     string `json:"business_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	AgentID        string `json:"agent_id"`
}

type stageResponse struct {
	ConversationID string `json:"conversation_id"`
	StageID        string `json:"stage_id"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errx.Validation("request body must be a JSON object"))
		return
	}

	res, err := h.turns.ProcessMessage(c.Request.Context(), model.TurnInput{
		BusinessID:     req.BusinessID,
		UserID:         req.UserID,
		Content:        req.Content,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) conversationStage(c *gin.Context) {
	id := c.Param("id")
	stageID, err := h.turns.ConversationStage(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stageResponse{ConversationID: id, StageID: stageID})
}

// writeError exposes only the status and safe message of err.
func writeError(c *gin.Context, err error) {
	status, msg := errx.Public(err)
	c.AbortWithStatusJSON(status, errorBody{Error: msg})
}
