package checkout

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// SessionRequest describes a hosted payment page to create.
type SessionRequest struct {
	UserID     string
	Tier       string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Session is a created hosted payment page.
type Session struct {
	ID  string
	URL string
}

// SessionCreator creates hosted payment sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// SessionRecord is a checkout session as the payment provider reports it.
type SessionRecord struct {
	ID     string
	UserID string
	Tier   string
	Paid   bool
}

// SessionLookup reads a checkout session back from the payment provider.
type SessionLookup interface {
	LookupSession(ctx context.Context, id string) (SessionRecord, error)
}

// StripeCreator creates Stripe Checkout Sessions in payment mode.
type StripeCreator struct {
	api *client.API
}

var (
	_ SessionCreator = (*StripeCreator)(nil)
	_ SessionLookup  = (*StripeCreator)(nil)
)

// StripeOption configures a StripeCreator.
type StripeOption func(*stripe.BackendConfig)

// WithAPIURL points the client at another API host.
func WithAPIURL(url string) StripeOption {
	return func(cfg *stripe.BackendConfig) { cfg.URL = stripe.String(url) }
}

// NewStripeCreator creates a StripeCreator for the given secret key.
func NewStripeCreator(secretKey string, opts ...StripeOption) *StripeCreator {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	})
	return &StripeCreator{api: api}
}

// CreateSession creates a one-off payment session for one tier. The user id
// travels as client_reference_id and the tier as metadata.price_id, which is
// what the webhook listener reads back.
func (s *StripeCreator) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.UserID),
		Metadata: map[string]string{
			"price_id": req.Tier,
			"user_id":  req.UserID,
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("checkout: create stripe session: %w", err)
	}
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

// LookupSession fetches a Checkout Session by id.
func (s *StripeCreator) LookupSession(ctx context.Context, id string) (SessionRecord, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("checkout: get stripe session: %w", err)
	}
	userID, tier := SessionTarget(sess)
	return SessionRecord{
		ID:     sess.ID,
		UserID: userID,
		Tier:   tier,
		Paid:   sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}, nil
}

// SessionTarget returns who a Checkout Session credits and with which tier.
func SessionTarget(sess *stripe.CheckoutSession) (userID, tier string) {
	userID = sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata["user_id"]
	}
	tier = sess.Metadata["price_id"]
	if tier == "" {
		tier = sess.Metadata["tier"]
	}
	return userID, tier
}
