package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"wo-foreman.io/foreman/internal/api"
	"wo-foreman.io/foreman/internal/api/middleware"
	"wo-foreman.io/foreman/internal/config"
)

// Public routes that do NOT require bearer authentication.
var publicPrefixes = []string{
	"/api/v1/healthz",
}

func newRouter(cfg *config.Config, server *api.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(corsPolicy(cfg))
	router.Use(bearerSkipPublic(cfg))

	server.RegisterRoutes(router)
	return router
}

func corsPolicy(cfg *config.Config) gin.HandlerFunc {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders,
		"Authorization",
		middleware.RequestIDHeader,
		cfg.Idempotency.HeaderName,
	)
	corsCfg.MaxAge = 12 * time.Hour
	return cors.New(corsCfg)
}

// bearerSkipPublic applies bearer auth only on non-public routes.
func bearerSkipPublic(cfg *config.Config) gin.HandlerFunc {
	authMw := middleware.BearerAuth(middleware.AuthConfig{
		SigningKey: []byte(cfg.Auth.SigningKey),
		Issuer:     cfg.Auth.Issuer,
		ExpiresIn:  cfg.Auth.ExpiresIn,
	})
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		authMw(c)
	}
}
