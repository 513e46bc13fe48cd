package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/checkout"
	"github.com/nm2tech/tokenmeter/identity"
	"github.com/nm2tech/tokenmeter/quota"
)

var testSecret = []byte("test-session-secret")

type fakeCreator struct {
	got      checkout.SessionRequest
	err      error
	sessions map[string]checkout.SessionRecord
}

func (f *fakeCreator) CreateSession(_ context.Context, req checkout.SessionRequest) (checkout.Session, error) {
	f.got = req
	if f.err != nil {
		return checkout.Session{}, f.err
	}
	return checkout.Session{ID: "cs_test_123", URL: "https://checkout.stripe.com/c/pay/cs_test_123"}, nil
}

func (f *fakeCreator) LookupSession(_ context.Context, id string) (checkout.SessionRecord, error) {
	rec, ok := f.sessions[id]
	if !ok {
		return checkout.SessionRecord{}, errors.New("no such checkout session")
	}
	return rec, nil
}

func (f *fakeCreator) paid(id, userID, tier string) {
	f.sessions[id] = checkout.SessionRecord{ID: id, UserID: userID, Tier: tier, Paid: true}
}

type fixture struct {
	engine  *gin.Engine
	gate    *tokenmeter.Gate
	store   *quota.MemoryStore
	creator *fakeCreator
}

func newFixture(t *testing.T, opts ...checkout.Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := quota.NewMemoryStore()
	gate, err := tokenmeter.NewGate(tokenmeter.DefaultPolicy(),
		tokenmeter.WithStore(store),
		tokenmeter.WithClock(func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	guard, err := checkout.NewGuard(testSecret)
	require.NoError(t, err)

	creator := &fakeCreator{sessions: map[string]checkout.SessionRecord{}}
	opts = append([]checkout.Option{
		checkout.WithSessionLookup(creator),
		checkout.WithPrices(map[string]string{"supporter": "price_supporter"}),
		checkout.WithFrontendURL("https://chat.example.org/"),
	}, opts...)
	h := checkout.NewHandler(gate, guard, creator, opts...)

	e := gin.New()
	e.Use(identity.NewResolver().Middleware())
	e.POST("/api/checkout", h.Create)
	e.GET("/api/checkout/return", h.Return)
	e.GET("/api/me", func(c *gin.Context) { c.String(http.StatusOK, identity.UserID(c)) })
	e.GET("/api/spend", func(c *gin.Context) {
		_, err := gate.Spend(c.Request.Context(), identity.UserID(c), tokenmeter.ActionAsk, func(context.Context) error { return nil })
		if err != nil {
			c.Status(http.StatusPaymentRequired)
			return
		}
		c.Status(http.StatusOK)
	})
	return &fixture{engine: e, gate: gate, store: store, creator: creator}
}

// browser replays cookies between requests like a single browser profile.
type browser struct {
	t       *testing.T
	engine  *gin.Engine
	cookies map[string]*http.Cookie
}

func (f *fixture) browser(t *testing.T) *browser {
	return &browser{t: t, engine: f.engine, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	b.t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	b.engine.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		b.cookies[c.Name] = c
	}

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(b.t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (b *browser) userID() string {
	if _, ok := b.cookies[identity.CookieName]; !ok {
		b.do(http.MethodGet, "/api/me", "")
	}
	return b.cookies[identity.CookieName].Value
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	bal, err := f.store.Balance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func TestReturn_CreditsOncePerSession(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	w, _ := b.do(http.MethodGet, "/api/spend", "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = b.do(http.MethodGet, "/api/spend", "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	w, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["credited"])
	assert.Equal(t, float64(50), body["amount"])
	assert.Equal(t, float64(50), body["tokens_left"])

	// Reloading the return page does not credit again.
	w, body = b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["credited"])
	assert.Equal(t, "already applied", body["reason"])
	assert.Equal(t, float64(50), body["tokens_left"])

	acct, err := f.store.Account(context.Background(), b.userID())
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TokensLeft)
	assert.True(t, acct.IsPaid)
}

func TestReturn_SessionIDSharedWithWebhook(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)
	b.do(http.MethodGet, "/api/spend", "")
	f.creator.paid("cs_test_9", b.userID(), "supporter")

	// The webhook got there first.
	applied, _, err := f.gate.ApplyTierOnce(context.Background(), checkout.SessionKey("cs_test_9"), b.userID(), "supporter", tokenmeter.SourceWebhook)
	require.NoError(t, err)
	require.True(t, applied)

	w, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter&session_id=cs_test_9", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["credited"])
	assert.Equal(t, float64(50), body["tokens_left"])
}

func TestReturn_DifferentSessionsBothCredit(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)
	f.creator.paid("cs_a", b.userID(), "supporter")
	f.creator.paid("cs_b", b.userID(), "supporter")

	_, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter&session_id=cs_a", "")
	assert.Equal(t, true, body["credited"])
	_, body = b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter&session_id=cs_b", "")
	assert.Equal(t, true, body["credited"])
	assert.Equal(t, float64(100), body["tokens_left"])
}

func TestReturn_SessionCreditsWhatWasPaid(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)
	f.creator.paid("cs_sup", b.userID(), "supporter")

	// The tier in the URL is ignored in favour of the paid one.
	w, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=patron&session_id=cs_sup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["credited"])
	assert.Equal(t, "supporter", body["tier"])
	assert.Equal(t, float64(50), body["amount"])

	applied, _, err := f.gate.ApplyTierOnce(context.Background(), checkout.SessionKey("cs_sup"), b.userID(), "supporter", tokenmeter.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(50), f.balance(t, b.userID()))
}

func TestReturn_SessionCreditsPayerNotBrowser(t *testing.T) {
	f := newFixture(t)
	f.creator.paid("cs_pay", "payer", "supporter")

	other := f.browser(t)
	w, body := other.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter&session_id=cs_pay", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["credited"])
	assert.Equal(t, float64(1), body["tokens_left"])

	assert.Equal(t, int64(50), f.balance(t, "payer"))
	assert.Equal(t, int64(1), f.balance(t, other.userID()))

	applied, _, err := f.gate.ApplyTierOnce(context.Background(), checkout.SessionKey("cs_pay"), "payer", "supporter", tokenmeter.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(50), f.balance(t, "payer"))
}

func TestReturn_UnconfirmedSessionLeavesKeyToWebhook(t *testing.T) {
	tests := []struct {
		name    string
		opts    []checkout.Option
		session *checkout.SessionRecord
	}{
		{name: "unpaid", session: &checkout.SessionRecord{ID: "cs_x", UserID: "payer", Tier: "supporter"}},
		{name: "unknown session"},
		{name: "no lookup", opts: []checkout.Option{checkout.WithSessionLookup(nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			if tt.session != nil {
				f.creator.sessions["cs_x"] = *tt.session
			}
			b := f.browser(t)

			w, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=patron&session_id=cs_x", "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, false, body["credited"])
			assert.Equal(t, "awaiting payment confirmation", body["reason"])
			assert.Equal(t, int64(1), f.balance(t, b.userID()))

			applied, amount, err := f.gate.ApplyTierOnce(context.Background(), checkout.SessionKey("cs_x"), "payer", "supporter", tokenmeter.SourceWebhook)
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, int64(50), amount)
		})
	}
}

func TestReturn_UnknownTierIsNoOp(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	w, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=gold", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["credited"])
	assert.Equal(t, "unknown tier", body["reason"])
	assert.Equal(t, float64(1), body["tokens_left"])

	acct, err := f.store.Account(context.Background(), b.userID())
	require.NoError(t, err)
	assert.False(t, acct.IsPaid)
}

func TestReturn_NotSuccessful(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	_, body := b.do(http.MethodGet, "/api/checkout/return?canceled=true", "")
	assert.Equal(t, false, body["credited"])
}

func TestReturn_ForgedSessionCookieIsIgnored(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	_, body := b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter", "")
	require.Equal(t, true, body["credited"])

	b.cookies[checkout.SessionCookie].Value += "x"
	_, body = b.do(http.MethodGet, "/api/checkout/return?success=true&tier=supporter", "")
	assert.Equal(t, true, body["credited"], "a session cookie that fails verification is treated as empty")
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	w, body := b.do(http.MethodPost, "/api/checkout", `{"tier":"supporter"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_123", body["url"])

	got := f.creator.got
	assert.Equal(t, b.userID(), got.UserID)
	assert.Equal(t, "supporter", got.Tier)
	assert.Equal(t, "price_supporter", got.PriceID)
	assert.Equal(t, "https://chat.example.org/?success=true&tier=supporter&session_id={CHECKOUT_SESSION_ID}", got.SuccessURL)
	assert.Equal(t, "https://chat.example.org/?canceled=true", got.CancelURL)
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t)
	b := f.browser(t)

	w, _ := b.do(http.MethodPost, "/api/checkout", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = b.do(http.MethodPost, "/api/checkout", `{"tier":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Configured tier without a price.
	w, _ = b.do(http.MethodPost, "/api/checkout", `{"tier":"patron"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.creator.err = errors.New("stripe down")
	w, body := b.do(http.MethodPost, "/api/checkout", `{"tier":"supporter"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, body, "debug")
}
