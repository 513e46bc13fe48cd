// Package identity assigns each browser a durable pseudonymous user id.
//
// The id is a random UUID kept in a long-lived cookie. It is a lookup key,
// not an authenticated identity: it is stable across reloads of one browser
// profile and lost when the browser's storage is cleared.
package identity

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// CookieName is the default cookie holding the id.
	CookieName = "nm2_uid"

	// ContextKey is the gin context key the middleware stores the id under.
	ContextKey = "user_id"

	// DefaultMaxAge is the longest lifetime browsers honor for a cookie.
	DefaultMaxAge = 400 * 24 * time.Hour
)

// Resolver reads or mints the user id of a request.
type Resolver struct {
	cookieName string
	maxAge     time.Duration
	secure     bool
	domain     string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCookieName overrides CookieName.
func WithCookieName(name string) Option {
	return func(r *Resolver) { r.cookieName = name }
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(r *Resolver) { r.maxAge = d }
}

// WithSecure marks the cookie Secure (HTTPS only).
func WithSecure(secure bool) Option {
	return func(r *Resolver) { r.secure = secure }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) Option {
	return func(r *Resolver) { r.domain = domain }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		cookieName: CookieName,
		maxAge:     DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the id stored in the request cookie. When the cookie is
// missing or does not hold a UUID a new id is generated and set on the response.
// Every call refreshes the cookie's expiry.
func (r *Resolver) Resolve(c *gin.Context) string {
	id, err := c.Cookie(r.cookieName)
	if err != nil || uuid.Validate(id) != nil {
		id = uuid.NewString()
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(r.cookieName, id, int(r.maxAge.Seconds()), "/", r.domain, r.secure, true)
	return id
}

// Middleware resolves the id and stores it under ContextKey.
func (r *Resolver) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKey, r.Resolve(c))
		c.Next()
	}
}

// UserID returns the id stored by Middleware, or "" when absent.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKey)
}
