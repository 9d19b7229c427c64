package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

type checkoutRequest struct {
	OrderID     string `json:"order_id"`
	AgentID     string `json:"agent_id" binding:"required"`
	Type        string `json:"type"`
	MinPriority *int   `json:"min_priority"`
	TenantID    string `json:"tenant_id"`
}

func (s *Server) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
		return
	}

	item, err := s.engine.Checkout(c.Request.Context(), engine.CheckoutInput{
		OrderID:     req.OrderID,
		AgentID:     req.AgentID,
		Type:        req.Type,
		MinPriority: req.MinPriority,
		TenantID:    req.TenantID,
	})
	if err != nil {
		c.Error(err)
		return
	}
	s.recordProvenance(c, item.OrderID, item.ID, req.AgentID)
	c.JSON(http.StatusOK, item)
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.engine.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) listItemEvents(c *gin.Context) {
	events, err := s.engine.EventsForItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type agentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
		return
	}

	item, err := s.engine.Heartbeat(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) release(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
		return
	}

	item, err := s.engine.Release(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type submitRequest struct {
	AgentID  string        `json:"agent_id" binding:"required"`
	Result   model.JSONMap `json:"result" binding:"required"`
	Evidence model.JSONMap `json:"evidence"`
	Notes    string        `json:"notes"`
}

func (s *Server) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
		return
	}
	itemID := c.Param("id")

	body, err := s.engine.Submit(c.Request.Context(), engine.SubmitInput{
		ItemID:         itemID,
		AgentID:        req.AgentID,
		Result:         req.Result,
		Evidence:       req.Evidence,
		Notes:          req.Notes,
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}

	var submitted struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(body, &submitted); err == nil {
		s.recordProvenance(c, submitted.OrderID, itemID, req.AgentID)
	}
	raw(c, http.StatusOK, body)
}

type failRequest struct {
	AgentID    string        `json:"agent_id"`
	Diagnostic model.JSONMap `json:"diagnostic"`
}

func (s *Server) failItem(c *gin.Context) {
	var req failRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
			return
		}
	}

	item, err := s.engine.FailItem(c.Request.Context(), c.Param("id"), req.Diagnostic, actorFrom(c, req.AgentID))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}
