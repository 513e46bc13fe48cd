package checkout

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookie holds the signed list of return URLs already credited
	// in this browser session.
	SessionCookie = "nm2_session"

	maxMarkers = 32
)

type sessionClaims struct {
	Applied []string `json:"applied"`
	jwt.RegisteredClaims
}

// Guard remembers, per browser session, which checkout returns were credited,
// so reloading the return page does not credit twice.
type Guard struct {
	secret []byte
	secure bool
	now    func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) GuardOption {
	return func(g *Guard) { g.secure = secure }
}

// NewGuard creates a Guard signing its cookie with secret (HS256).
func NewGuard(secret []byte, opts ...GuardOption) (*Guard, error) {
	if len(secret) == 0 {
		return nil, errors.New("checkout: session secret is required")
	}
	g := &Guard{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Markers returns the markers recorded in the request's session cookie.
// A missing, tampered or foreign cookie yields none.
func (g *Guard) Markers(c *gin.Context) []string {
	raw, err := c.Cookie(SessionCookie)
	if err != nil || raw == "" {
		return nil
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil
	}
	return claims.Applied
}

// Has reports whether marker was already recorded in this session.
func (g *Guard) Has(c *gin.Context, marker string) bool {
	return slices.Contains(g.Markers(c), marker)
}

// Mark records marker in the session cookie. Only the most recent markers are kept.
func (g *Guard) Mark(c *gin.Context, marker string) error {
	markers := g.Markers(c)
	if slices.Contains(markers, marker) {
		return nil
	}
	markers = append(markers, marker)
	if len(markers) > maxMarkers {
		markers = markers[len(markers)-maxMarkers:]
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Applied: markers,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(g.now()),
		},
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return err
	}

	// MaxAge 0 makes it a session cookie.
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, signed, 0, "/", "", g.secure, true)
	return nil
}
