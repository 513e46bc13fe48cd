// Package webhook receives payment events from Stripe and credits donors.
//
// A checkout.session.completed event credits the tier named in the session
// metadata to the user in client_reference_id. Each checkout session is
// credited at most once; the redirect handler uses the same key.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	stripehook "github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/checkout"
)

// MaxBodyBytes caps how much of a request body is read.
const MaxBodyBytes = 65536

const eventCheckoutCompleted = "checkout.session.completed"

// Handler verifies and applies webhook deliveries.
type Handler struct {
	gate   *tokenmeter.Gate
	secret string
	logger *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler verifying signatures with the endpoint secret.
func NewHandler(gate *tokenmeter.Gate, secret string, opts ...Option) (*Handler, error) {
	if gate == nil {
		return nil, errors.New("webhook: a gate is required")
	}
	if secret == "" {
		return nil, errors.New("webhook: signing secret is required")
	}
	h := &Handler{gate: gate, secret: secret, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the handler at POST /webhook.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhook", h.Serve)
}

// Serve handles one delivery. Only a bad signature is answered 400 and
// only a store failure 500; every other event is acknowledged so Stripe
// stops retrying it.
func (h *Handler) Serve(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes))
	if err != nil {
		h.logger.Warn("read webhook body", zap.Error(err))
		c.String(http.StatusBadRequest, "Invalid signature")
		return
	}

	event, err := stripehook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.secret,
		stripehook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(fmt.Errorf("%w: %v", tokenmeter.ErrInvalidSignature, err)))
		c.String(http.StatusBadRequest, "Invalid signature")
		return
	}

	log := h.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	if event.Type != eventCheckoutCompleted {
		log.Debug("webhook event ignored")
		c.String(http.StatusOK, "OK")
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		log.Error("decode checkout session", zap.Error(err))
		c.String(http.StatusOK, "OK")
		return
	}

	userID, tier := checkout.SessionTarget(&sess)
	if userID == "" || tier == "" {
		log.Warn("checkout session without user or tier",
			zap.String("session_id", sess.ID),
			zap.String("user_id", userID),
			zap.String("tier", tier),
		)
		c.String(http.StatusOK, "OK")
		return
	}

	key := "evt:" + event.ID
	if sess.ID != "" {
		key = checkout.SessionKey(sess.ID)
	}

	applied, amount, err := h.gate.ApplyTierOnce(c.Request.Context(), key, userID, tier, tokenmeter.SourceWebhook)
	switch {
	case errors.Is(err, tokenmeter.ErrUnknownTier):
		log.Warn("unknown tier in checkout session", zap.String("user_id", userID), zap.String("tier", tier))
		c.String(http.StatusOK, "OK")
		return
	case err != nil:
		log.Error("apply tier", zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		c.String(http.StatusInternalServerError, "Internal error")
		return
	}

	log.Info("checkout credited",
		zap.String("user_id", userID),
		zap.String("tier", tier),
		zap.String("key", key),
		zap.Bool("applied", applied),
		zap.Int64("amount", amount),
	)
	c.String(http.StatusOK, "OK")
}

// NewRouter returns an engine serving POST /webhook and GET /healthz.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	return r
}
