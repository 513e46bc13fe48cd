// Package checkout starts donation checkouts and credits the donor when the
// payment page redirects back.
//
// The return-URL credit is a best-effort fast path so the balance updates
// while the donor is still on the page. The payment webhook remains the
// authoritative credit; both paths share one idempotency key per checkout
// session so a donation is never credited twice.
package checkout

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/identity"
	"github.com/nm2tech/tokenmeter/internal/httpx"
)

// SessionKey is the processed-credit key for a checkout session id.
func SessionKey(sessionID string) string { return "cs:" + sessionID }

// Handler serves the checkout endpoints.
type Handler struct {
	gate        *tokenmeter.Gate
	guard       *Guard
	creator     SessionCreator
	lookup      SessionLookup
	prices      map[string]string
	frontendURL string
	logger      *zap.Logger
	debug       bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithPrices maps tier names to payment provider price ids.
func WithPrices(prices map[string]string) Option {
	return func(h *Handler) { h.prices = prices }
}

// WithSessionLookup lets the return path confirm a checkout session with
// the payment provider before crediting it. Without one, returns carrying a
// session id are left to the webhook.
func WithSessionLookup(l SessionLookup) Option {
	return func(h *Handler) { h.lookup = l }
}

// WithFrontendURL sets the page the payment provider returns to.
func WithFrontendURL(u string) Option {
	return func(h *Handler) { h.frontendURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithDebug adds internal error detail to error responses.
func WithDebug(debug bool) Option {
	return func(h *Handler) { h.debug = debug }
}

// NewHandler creates a Handler. creator may be nil when checkout creation is
// handled elsewhere; Create then answers 503.
func NewHandler(gate *tokenmeter.Gate, guard *Guard, creator SessionCreator, opts ...Option) *Handler {
	h := &Handler{
		gate:    gate,
		guard:   guard,
		creator: creator,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// Create starts a checkout for the requested tier and returns its URL.
func (h *Handler) Create(c *gin.Context) {
	userID := identity.UserID(c)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Error(c, http.StatusBadRequest, "tier is required", err, h.debug)
		return
	}
	if _, ok := h.gate.Policy().Tiers.Credits(req.Tier); !ok {
		httpx.Error(c, http.StatusBadRequest, "unknown tier", nil, h.debug)
		return
	}
	priceID, ok := h.prices[req.Tier]
	if !ok || h.creator == nil {
		httpx.Error(c, http.StatusServiceUnavailable, "checkout not configured", nil, h.debug)
		return
	}

	base := h.frontendURL
	if base == "" {
		base = requestOrigin(c.Request)
	}
	// Stripe substitutes the placeholder only when its braces are left unescaped.
	success := base + "/?" + url.Values{"success": {"true"}, "tier": {req.Tier}}.Encode() +
		"&session_id={CHECKOUT_SESSION_ID}"

	sess, err := h.creator.CreateSession(c.Request.Context(), SessionRequest{
		UserID:     userID,
		Tier:       req.Tier,
		PriceID:    priceID,
		SuccessURL: success,
		CancelURL:  base + "/?canceled=true",
	})
	if err != nil {
		h.logger.Error("create checkout session", zap.String("user_id", userID), zap.String("tier", req.Tier), zap.Error(err))
		httpx.Error(c, http.StatusBadGateway, "failed to create checkout session", err, h.debug)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": sess.ID, "url": sess.URL})
}

// Return credits a completed checkout, once per browser session.
//
// With a session id the session is read back from the payment provider and
// only a paid session is credited, to the user and tier the provider holds,
// under the same key the webhook uses. Without one the tier named in the URL
// is credited to the requesting user.
func (h *Handler) Return(c *gin.Context) {
	userID := identity.UserID(c)
	tier := c.Query("tier")
	sessionID := c.Query("session_id")

	if c.Query("success") != "true" || (tier == "" && sessionID == "") {
		h.noCredit(c, userID, "not a completed checkout")
		return
	}

	marker := "tier:" + tier
	if sessionID != "" {
		marker = SessionKey(sessionID)
	}
	if h.guard.Has(c, marker) {
		h.noCredit(c, userID, "already applied")
		return
	}

	ctx := c.Request.Context()
	target := userID
	var (
		applied = true
		amount  int64
		err     error
	)
	if sessionID != "" {
		rec, ok := h.confirm(c, userID, sessionID)
		if !ok {
			return
		}
		target, tier = rec.UserID, rec.Tier
		applied, amount, err = h.gate.ApplyTierOnce(ctx, SessionKey(sessionID), target, tier, tokenmeter.SourceRedirect)
	} else {
		amount, err = h.gate.ApplyTier(ctx, userID, tier, tokenmeter.SourceRedirect)
	}

	switch {
	case errors.Is(err, tokenmeter.ErrUnknownTier):
		h.logger.Warn("unknown tier on checkout return", zap.String("user_id", target), zap.String("tier", tier))
		h.noCredit(c, userID, "unknown tier")
		return
	case errors.Is(err, tokenmeter.ErrInvalidRequest):
		httpx.Error(c, http.StatusBadRequest, "invalid request", err, h.debug)
		return
	case err != nil:
		h.logger.Error("apply tier", zap.String("user_id", target), zap.String("tier", tier), zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "failed to apply credit", err, h.debug)
		return
	}

	if err := h.guard.Mark(c, marker); err != nil {
		h.logger.Error("mark checkout session", zap.Error(err))
	}

	acct, err := h.gate.Check(ctx, userID)
	if err != nil {
		httpx.Error(c, http.StatusInternalServerError, "failed to read balance", err, h.debug)
		return
	}

	body := gin.H{
		"credited":    applied,
		"tier":        tier,
		"tokens_left": acct.TokensLeft,
	}
	if applied {
		body["amount"] = amount
	} else {
		body["reason"] = "already applied"
	}
	c.JSON(http.StatusOK, body)
}

// confirm reads a checkout session back from the payment provider. When the
// session cannot be confirmed as paid it answers the request and returns false.
func (h *Handler) confirm(c *gin.Context, userID, sessionID string) (SessionRecord, bool) {
	if h.lookup == nil {
		h.noCredit(c, userID, "awaiting payment confirmation")
		return SessionRecord{}, false
	}

	rec, err := h.lookup.LookupSession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Warn("look up checkout session", zap.String("session_id", sessionID), zap.Error(err))
		h.noCredit(c, userID, "awaiting payment confirmation")
		return SessionRecord{}, false
	}
	if !rec.Paid || rec.UserID == "" || rec.Tier == "" {
		h.logger.Info("checkout session not confirmed",
			zap.String("session_id", sessionID),
			zap.Bool("paid", rec.Paid),
			zap.String("user_id", rec.UserID),
			zap.String("tier", rec.Tier),
		)
		h.noCredit(c, userID, "awaiting payment confirmation")
		return SessionRecord{}, false
	}
	if rec.UserID != userID {
		h.logger.Info("checkout session paid by another identity",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.String("payer", rec.UserID),
		)
	}
	return rec, true
}

func (h *Handler) noCredit(c *gin.Context, userID, reason string) {
	body := gin.H{"credited": false, "reason": reason}
	if acct, err := h.gate.Check(c.Request.Context(), userID); err == nil {
		body["tokens_left"] = acct.TokensLeft
	}
	c.JSON(http.StatusOK, body)
}

func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return strings.TrimRight(origin, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
