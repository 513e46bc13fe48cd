// Package server exposes the metered actions and the checkout flow over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/chat"
	"github.com/nm2tech/tokenmeter/checkout"
	"github.com/nm2tech/tokenmeter/identity"
	"github.com/nm2tech/tokenmeter/internal/httpx"
)

// Server is the public API.
type Server struct {
	chat     *chat.Service
	gate     *tokenmeter.Gate
	checkout *checkout.Handler
	resolver *identity.Resolver
	origins  []string
	logger   *zap.Logger
	debug    bool
}

// Option configures a Server.
type Option func(*Server)

// WithCheckout mounts the checkout endpoints.
func WithCheckout(h *checkout.Handler) Option {
	return func(s *Server) { s.checkout = h }
}

// WithResolver overrides the default identity resolver.
func WithResolver(r *identity.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithAllowedOrigins sets the CORS origins allowed to call the API with credentials.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDebug adds internal error detail to error responses.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// New creates a Server around svc.
func New(svc *chat.Service, opts ...Option) *Server {
	s := &Server{
		chat:   svc,
		gate:   svc.Gate(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = identity.NewResolver()
	}
	return s
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpx.Logger(s.logger))

	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.origins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.Use(s.resolver.Middleware())
	api.GET("/quota", s.quota)
	api.POST("/chat", s.ask)
	api.GET("/verse", s.verse)
	api.POST("/translate", s.translate)
	if s.checkout != nil {
		api.POST("/checkout", s.checkout.Create)
		api.GET("/checkout/return", s.checkout.Return)
	}
	return r
}

func (s *Server) quota(c *gin.Context) {
	userID := identity.UserID(c)
	acct, err := s.gate.Check(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, userID, err, tokenmeter.Account{})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     acct.UserID,
		"tokens_left": acct.TokensLeft,
		"can_spend":   s.gate.Policy().CanSpend(acct.TokensLeft),
		"is_paid":     acct.IsPaid,
		"last_reset":  acct.LastReset,
		"tiers":       s.gate.Policy().Tiers.Sorted(),
	})
}

type askRequest struct {
	Messages []tokenmeter.Message `json:"messages" binding:"required"`
}

func (s *Server) ask(c *gin.Context) {
	userID := identity.UserID(c)
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Error(c, http.StatusBadRequest, "messages are required", err, s.debug)
		return
	}

	ans, err := s.chat.Ask(c.Request.Context(), userID, req.Messages)
	if err != nil {
		s.fail(c, userID, err, ans.Account)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": ans.Reply, "tokens_left": ans.Account.TokensLeft})
}

func (s *Server) verse(c *gin.Context) {
	userID := identity.UserID(c)
	p, err := s.chat.Verse(c.Request.Context(), userID, c.Query("reference"), c.Query("version"))
	if err != nil {
		s.fail(c, userID, err, p.Account)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reference":   p.Reference,
		"text":        p.Text,
		"translation": p.Translation,
		"tokens_left": p.Account.TokensLeft,
	})
}

type translateRequest struct {
	Text     string `json:"text" binding:"required"`
	Language string `json:"language" binding:"required"`
}

func (s *Server) translate(c *gin.Context) {
	userID := identity.UserID(c)
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Error(c, http.StatusBadRequest, "text and language are required", err, s.debug)
		return
	}

	tr, err := s.chat.Translate(c.Request.Context(), userID, req.Text, req.Language)
	if err != nil {
		s.fail(c, userID, err, tr.Account)
		return
	}
	c.JSON(http.StatusOK, gin.H{"translation": tr.Text, "tokens_left": tr.Account.TokensLeft})
}

// fail maps an action error to a status code.
func (s *Server) fail(c *gin.Context, userID string, err error, acct tokenmeter.Account) {
	var qe *tokenmeter.QuotaError
	switch {
	case errors.As(err, &qe):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":       "You have used today's free question. Donate to keep asking.",
			"tokens_left": qe.Balance,
			"tiers":       s.gate.Policy().Tiers.Sorted(),
		})
	case errors.Is(err, tokenmeter.ErrInvalidRequest):
		httpx.Error(c, http.StatusBadRequest, "invalid request", err, s.debug)
	case chat.IsUpstreamFailure(err):
		s.logger.Warn("upstream failure", zap.String("user_id", userID), zap.Int64("tokens_left", acct.TokensLeft), zap.Error(err))
		httpx.Error(c, http.StatusBadGateway, "upstream unavailable", err, s.debug)
	default:
		s.logger.Error("request failed", zap.String("user_id", userID), zap.Error(err))
		httpx.Error(c, http.StatusInternalServerError, "internal error", err, s.debug)
	}
}
