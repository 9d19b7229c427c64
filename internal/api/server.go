// Package api exposes the engine over HTTP. Handlers are thin: bind, call
// the engine, render. Validation, idempotency and audit live in the core;
// the adapter contributes transport concerns only (request ids, bearer
// identity, provenance capture).
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/api/middleware"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/pkg/worker"
	"wo-foreman.io/foreman/internal/provenance"
)

// Server implements all API handlers.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	pools  *worker.Pools
}

// NewServer creates a server around one engine. With pools, provenance
// capture runs off the request path; nil records synchronously.
func NewServer(cfg *config.Config, eng *engine.Engine, pools *worker.Pools) *Server {
	return &Server{cfg: cfg, engine: eng, pools: pools}
}

// RegisterRoutes binds every endpoint under /api/v1.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")

	v1.GET("/healthz", s.health)
	v1.GET("/order-types", s.listOrderTypes)

	orders := v1.Group("/orders")
	orders.POST("", s.proposeOrder)
	orders.GET("", s.listOrders)
	orders.POST("/search", s.searchOrders)
	orders.GET("/:id", s.getOrder)
	orders.GET("/:id/events", s.listEvents)
	orders.GET("/:id/provenance", s.listProvenance)
	orders.POST("/:id/approve", s.approveOrder)
	orders.POST("/:id/reject", s.rejectOrder)

	v1.POST("/checkout", s.checkout)

	items := v1.Group("/items")
	items.GET("/:id", s.getItem)
	items.GET("/:id/events", s.listItemEvents)
	items.POST("/:id/heartbeat", s.heartbeat)
	items.POST("/:id/release", s.release)
	items.POST("/:id/submit", s.submit)
	items.POST("/:id/fail", s.failItem)
	items.GET("/:id/parts", s.listParts)
	items.POST("/:id/parts", s.submitPart)
	items.POST("/:id/finalize", s.finalize)

	v1.POST("/maintenance/tick", s.tick)
}

// idempotencyKey reads the configured dedupe header.
func (s *Server) idempotencyKey(c *gin.Context) string {
	return c.GetHeader(s.cfg.Idempotency.HeaderName)
}

// actorFrom builds the audit actor: an authenticated user when the bearer
// middleware populated one, otherwise the agent id from the request body.
func actorFrom(c *gin.Context, agentID string) model.Actor {
	if uid := c.GetString("user_id"); uid != "" {
		return model.Actor{Kind: model.ActorUser, ID: uid}
	}
	if agentID != "" {
		return model.Actor{Kind: model.ActorAgent, ID: agentID}
	}
	return model.Actor{}
}

// recordProvenance captures who asked for a mutation. Failures are logged,
// never surfaced; provenance is best-effort by contract.
func (s *Server) recordProvenance(c *gin.Context, orderID, itemID, agentID string) {
	req := provenance.Request{
		OrderID:           orderID,
		ItemID:            itemID,
		AgentID:           agentID,
		AgentName:         c.GetHeader("X-Agent-Name"),
		AgentVersion:      c.GetHeader("X-Agent-Version"),
		ModelName:         c.GetHeader("X-Model-Name"),
		RuntimeTag:        c.GetHeader("X-Runtime-Tag"),
		RequestID:         middleware.GetRequestID(c.Request.Context()),
		IP:                c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		AcceptLanguage:    c.GetHeader("Accept-Language"),
		AuthenticatedUser: c.GetString("user_id"),
		SessionID:         c.GetString("session_id"),
	}
	record := func(ctx context.Context) {
		if _, err := s.engine.Provenance().Record(ctx, req); err != nil {
			logger.Warn("provenance capture failed",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}

	if s.pools != nil {
		// Detached: capture must survive the request ending.
		if err := s.pools.SubmitDetached("general", record); err == nil {
			return
		}
	}
	record(c.Request.Context())
}

// raw writes an engine response snapshot verbatim. Snapshots must reach the
// wire byte for byte or idempotent replays stop being provably identical.
func raw(c *gin.Context, status int, body []byte) {
	c.Data(status, "application/json; charset=utf-8", body)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listOrderTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"types": s.engine.Registry().Names()})
}

func (s *Server) tick(c *gin.Context) {
	var req struct {
		Phases []string `json:"phases"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "invalid request body"))
			return
		}
	}
	c.JSON(http.StatusOK, s.engine.Tick(c.Request.Context(), req.Phases...))
}
