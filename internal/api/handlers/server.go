// Package handlers implements the HTTP surface of the enrollment pipeline.
// Handlers stay thin: bind, call the orchestrator or subsystem, map errors
// through the shared error middleware.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carelink.io/carelink/internal/api/middleware"
	"carelink.io/carelink/internal/audit"
	"carelink.io/carelink/internal/orchestrator"
	"carelink.io/carelink/internal/storage"
	"carelink.io/carelink/internal/webhook"
)

// Server holds all API handlers.
type Server struct {
	orch       *orchestrator.Orchestrator
	dispatcher *webhook.Dispatcher
	subs       storage.SubscriptionStore
	attempts   storage.DeliveryAttemptStore
	audit      *audit.Service
	pool       *pgxpool.Pool
	jwtCfg     middleware.JWTConfig
	registry   *prometheus.Registry
}

// ServerDeps holds all dependencies for creating a Server. Manual DI.
type ServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *webhook.Dispatcher
	Subs         storage.SubscriptionStore
	Attempts     storage.DeliveryAttemptStore
	Audit        *audit.Service
	Pool         *pgxpool.Pool
	JWTCfg       middleware.JWTConfig
	Registry     *prometheus.Registry
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		orch:       deps.Orchestrator,
		dispatcher: deps.Dispatcher,
		subs:       deps.Subs,
		attempts:   deps.Attempts,
		audit:      deps.Audit,
		pool:       deps.Pool,
		jwtCfg:     deps.JWTCfg,
		registry:   deps.Registry,
	}
}

// RegisterRoutes wires all routes onto the engine. Health and metrics stay
// outside the authenticated group.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(s.jwtCfg.SigningKey))
	{
		v1.POST("/enrollments", s.CreateEnrollment)
		v1.GET("/enrollments/:id", s.GetEnrollment)
		v1.POST("/enrollments/:id/advance", s.AdvanceEnrollment)
		v1.POST("/enrollments/:id/withdraw", s.WithdrawEnrollment)
		v1.POST("/enrollments/:id/documents", s.UploadDocument)
		v1.POST("/enrollments/:id/health-declaration", s.SubmitHealthDeclaration)
		v1.POST("/enrollments/:id/health-declaration/verify", s.VerifyHealthDeclaration)
		v1.GET("/enrollments/:id/audit", s.GetAuditTrail)

		v1.POST("/webhooks/subscriptions", s.CreateSubscription)
		v1.GET("/webhooks/subscriptions/:id", s.GetSubscription)
		v1.GET("/webhooks/subscriptions/:id/attempts", s.ListDeliveryAttempts)
	}
}

// actorFromCtx extracts the authenticated actor from the request context.
func actorFromCtx(c *gin.Context) string {
	if id := c.GetString("actor_id"); id != "" {
		return id
	}
	return "anonymous"
}

// requestCtx returns the request context annotated with the acting principal
// so audit entries written downstream carry the right actor.
func requestCtx(c *gin.Context) context.Context {
	return audit.WithActor(c.Request.Context(), actorFromCtx(c))
}
