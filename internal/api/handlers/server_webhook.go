package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"carelink.io/carelink/internal/domain"
	"carelink.io/carelink/internal/pkg/errors"
)

// CreateSubscriptionRequest registers a subscriber endpoint.
type CreateSubscriptionRequest struct {
	TargetURL  string   `json:"target_url" binding:"required,url"`
	EventTypes []string `json:"event_types" binding:"required,min=1"`
}

// CreateSubscriptionResponse returns the secret exactly once, at creation.
type CreateSubscriptionResponse struct {
	Subscription domain.WebhookSubscription `json:"subscription"`
	Secret       string                     `json:"secret"`
}

// CreateSubscription handles POST /api/v1/webhooks/subscriptions.
func (s *Server) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Validation("INVALID_REQUEST", err.Error()))
		return
	}

	secret, err := generateSigningSecret()
	if err != nil {
		_ = c.Error(fmt.Errorf("generate signing secret: %w", err))
		return
	}
	sub := domain.WebhookSubscription{
		ID:         uuid.NewString(),
		TargetURL:  req.TargetURL,
		Secret:     secret,
		EventTypes: req.EventTypes,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := s.subs.Save(requestCtx(c), sub); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, CreateSubscriptionResponse{Subscription: sub, Secret: secret})
}

// GetSubscription handles GET /api/v1/webhooks/subscriptions/:id. The secret
// is never returned after creation.
func (s *Server) GetSubscription(c *gin.Context) {
	sub, err := s.subs.FindByID(requestCtx(c), c.Param("id"))
	if err != nil {
		_ = c.Error(errors.NotFound(errors.CodeSubscriptionNotFound,
			fmt.Sprintf("subscription %s not found", c.Param("id"))))
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ListDeliveryAttempts handles GET /api/v1/webhooks/subscriptions/:id/attempts.
func (s *Server) ListDeliveryAttempts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			_ = c.Error(errors.Validation("INVALID_REQUEST", "limit must be an integer between 1 and 500"))
			return
		}
		limit = parsed
	}

	attempts, err := s.attempts.ListBySubscription(requestCtx(c), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// generateSigningSecret produces a webhook signing secret.
func generateSigningSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
