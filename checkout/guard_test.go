package checkout

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardContext(cookies ...*http.Cookie) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	for _, ck := range cookies {
		c.Request.AddCookie(ck)
	}
	return c, w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range w.Result().Cookies() {
		if ck.Name == SessionCookie {
			return ck
		}
	}
	t.Fatalf("no %s cookie set", SessionCookie)
	return nil
}

func TestNewGuard_RequiresSecret(t *testing.T) {
	_, err := NewGuard(nil)
	assert.Error(t, err)
}

func TestGuard_MarkAndHas(t *testing.T) {
	g, err := NewGuard([]byte("secret"))
	require.NoError(t, err)

	c, w := guardContext()
	assert.False(t, g.Has(c, "cs:1"))
	require.NoError(t, g.Mark(c, "cs:1"))

	ck := sessionCookie(t, w)
	assert.Equal(t, 0, ck.MaxAge, "session cookie")
	assert.True(t, ck.HttpOnly)

	c2, w2 := guardContext(ck)
	assert.True(t, g.Has(c2, "cs:1"))
	assert.False(t, g.Has(c2, "cs:2"))

	require.NoError(t, g.Mark(c2, "cs:2"))
	c3, _ := guardContext(sessionCookie(t, w2))
	assert.Equal(t, []string{"cs:1", "cs:2"}, g.Markers(c3))
}

func TestGuard_RejectsForeignSignature(t *testing.T) {
	mine, err := NewGuard([]byte("secret"))
	require.NoError(t, err)
	theirs, err := NewGuard([]byte("other"))
	require.NoError(t, err)

	c, w := guardContext()
	require.NoError(t, theirs.Mark(c, "tier:patron"))

	c2, _ := guardContext(sessionCookie(t, w))
	assert.Empty(t, mine.Markers(c2))
}

func TestGuard_RejectsOtherAlgorithms(t *testing.T) {
	g, err := NewGuard([]byte("secret"))
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, sessionClaims{Applied: []string{"tier:patron"}})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	c, _ := guardContext(&http.Cookie{Name: SessionCookie, Value: raw})
	assert.False(t, g.Has(c, "tier:patron"))
}

func TestGuard_KeepsRecentMarkers(t *testing.T) {
	g, err := NewGuard([]byte("secret"))
	require.NoError(t, err)

	var ck *http.Cookie
	for i := 0; i < maxMarkers+5; i++ {
		var c *gin.Context
		var w *httptest.ResponseRecorder
		if ck == nil {
			c, w = guardContext()
		} else {
			c, w = guardContext(ck)
		}
		require.NoError(t, g.Mark(c, "cs:"+string(rune('a'+i))))
		ck = sessionCookie(t, w)
	}

	c, _ := guardContext(ck)
	markers := g.Markers(c)
	assert.Len(t, markers, maxMarkers)
	assert.False(t, g.Has(c, "cs:a"))
	assert.True(t, g.Has(c, "cs:"+string(rune('a'+maxMarkers+4))))
}
