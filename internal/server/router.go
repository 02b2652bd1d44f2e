// Package server assembles the HTTP surface: audit log, multisig proposals
// and signer registry endpoints behind JWT auth, rate limiting and metrics.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/trustcore/internal/signer"
)

// Config carries the router-level settings.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int
}

// Registrar mounts a set of routes on an authenticated router group.
type Registrar interface {
	Register(rg *gin.RouterGroup)
}

// Deps are the wired dependencies the router serves.
type Deps struct {
	Audit     *AuditHandler
	Proposals *ProposalHandler
	Signers   *SignerHandler
	Extra     []Registrar  // additional route sets (webhooks, etc.)
	Tokens    *TokenIssuer // nil disables auth
	Signer    signer.Signer
	Pinger    interface {
		Ping(ctx context.Context) error
	} // nil for the in-memory backend
}

// NewRouter builds the gin engine with the full middleware stack and all
// routes mounted under /api/v1.
func NewRouter(cfg Config, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "Idempotency-Key"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// Health and metrics (public, no auth)
	router.GET("/healthz", healthHandler(deps, logger))
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	v1.Use(RequireToken(deps.Tokens))
	if deps.Audit != nil {
		deps.Audit.Register(v1)
	}
	if deps.Proposals != nil {
		deps.Proposals.Register(v1)
	}
	if deps.Signers != nil {
		deps.Signers.Register(v1)
	}
	for _, r := range deps.Extra {
		r.Register(v1)
	}

	return router
}

// healthHandler probes the signing backend and, when present, the database.
// A cold backend degrades to 503 so load balancers stop routing appends here.
func healthHandler(deps Deps, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true

		if deps.Signer != nil {
			if err := deps.Signer.Healthy(ctx); err != nil {
				checks["signer"] = err.Error()
				healthy = false
			} else {
				checks["signer"] = "ok"
			}
		}
		if deps.Pinger != nil {
			if err := deps.Pinger.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		}

		if !healthy {
			logger.Warn("health check failed", zap.Any("checks", checks))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
