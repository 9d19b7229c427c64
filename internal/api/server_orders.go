package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/query"
)

type proposeRequest struct {
	Type     string        `json:"type" binding:"required"`
	Payload  model.JSONMap `json:"payload" binding:"required"`
	Meta     model.JSONMap `json:"meta"`
	Priority int           `json:"priority"`
	AgentID  string        `json:"agent_id"`
}

func (s *Server) proposeOrder(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
		return
	}

	body, err := s.engine.Propose(c.Request.Context(), engine.ProposeInput{
		Type:           req.Type,
		Payload:        req.Payload,
		Meta:           req.Meta,
		Priority:       req.Priority,
		Actor:          actorFrom(c, req.AgentID),
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err == nil {
		s.recordProvenance(c, created.ID, "", req.AgentID)
	}
	raw(c, http.StatusCreated, body)
}

type searchRequest struct {
	Filter   interface{} `json:"filter"`
	Sort     []string    `json:"sort"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func (s *Server) searchOrders(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeFilterInvalid, "invalid request body"))
		return
	}

	result, err := s.engine.ListOrders(c.Request.Context(), query.ListRequest{
		Filter:   req.Filter,
		Sort:     req.Sort,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// listOrders is the query-string flavour of search: no filter tree, just
// paging and sort.
func (s *Server) listOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	var sort []string
	if spec := c.Query("sort"); spec != "" {
		sort = strings.Split(spec, ",")
	}

	result, err := s.engine.ListOrders(c.Request.Context(), query.ListRequest{
		Sort:     sort,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listEvents(c *gin.Context) {
	events, err := s.engine.EventsFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) listProvenance(c *gin.Context) {
	orderID := c.Param("id")
	if _, err := s.engine.GetOrder(c.Request.Context(), orderID); err != nil {
		c.Error(err)
		return
	}
	trail, err := s.engine.Provenance().For(c.Request.Context(), orderID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provenance": trail})
}

type approveRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) approveOrder(c *gin.Context) {
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
			return
		}
	}
	orderID := c.Param("id")

	body, err := s.engine.Approve(c.Request.Context(), engine.ApproveInput{
		OrderID:        orderID,
		Actor:          actorFrom(c, req.AgentID),
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}
	s.recordProvenance(c, orderID, "", req.AgentID)
	raw(c, http.StatusOK, body)
}

type rejectRequest struct {
	Errors      model.JSONMap `json:"errors"`
	AllowRework bool          `json:"allow_rework"`
	AgentID     string        `json:"agent_id"`
}

func (s *Server) rejectOrder(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
			return
		}
	}
	orderID := c.Param("id")

	body, err := s.engine.Reject(c.Request.Context(), engine.RejectInput{
		OrderID:        orderID,
		Errors:         req.Errors,
		Actor:          actorFrom(c, req.AgentID),
		AllowRework:    req.AllowRework,
		IdempotencyKey: s.idempotencyKey(c),
	})
	if err != nil {
		c.Error(err)
		return
	}
	s.recordProvenance(c, orderID, "", req.AgentID)
	raw(c, http.StatusOK, body)
}
