package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

type submitPartRequest struct {
	AgentID  string        `json:"agent_id" binding:"required"`
	PartKey  string        `json:"part_key" binding:"required"`
	Seq      *int          `json:"seq"`
	Payload  model.JSONMap `json:"payload" binding:"required"`
	Evidence model.JSONMap `json:"evidence"`
	Notes    string        `json:"notes"`
}

func (s *Server) submitPart(c *gin.Context) {
	var req submitPartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodePartInvalid, "invalid request body"))
		return
	}
	itemID := c.Param("id")

	body, err := s.engine.SubmitPart(c.Request.Context(), engine.SubmitPartInput{
		ItemID:         itemID,
		AgentID:        req.AgentID,
		PartKey:        req.PartKey,
		Seq:            req.Seq,
		Payload:        req.Payload,
		Evidence:       req.Evidence,
		Notes:          req.Notes,
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}

	if item, gerr := s.engine.GetItem(c.Request.Context(), itemID); gerr == nil {
		s.recordProvenance(c, item.OrderID, itemID, req.AgentID)
	}
	raw(c, http.StatusOK, body)
}

func (s *Server) listParts(c *gin.Context) {
	parts, err := s.engine.ListParts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parts": parts})
}

type finalizeRequest struct {
	AgentID string `json:"agent_id"`
	Mode    string `json:"mode"`
}

func (s *Server) finalize(c *gin.Context) {
	var req finalizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
			return
		}
	}
	itemID := c.Param("id")

	body, err := s.engine.Finalize(c.Request.Context(), engine.FinalizeInput{
		ItemID:         itemID,
		Mode:           req.Mode,
		Actor:          actorFrom(c, req.AgentID),
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}

	var item struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(body, &item); err == nil {
		s.recordProvenance(c, item.OrderID, itemID, req.AgentID)
	}
	raw(c, http.StatusOK, body)
}
