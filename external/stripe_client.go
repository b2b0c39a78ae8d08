package external

import (
	"context"
	"fmt"

	"github.com/zllovesuki/prmeter/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

var _ subscription.Provider = &Stripe{}

func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

type StripeOptions struct {
	Client     *client.API
	Logger     *zap.Logger
	SuccessURL string // where checkout returns after payment
	CancelURL  string // where checkout returns when abandoned
}

// Stripe drives customers, checkout and cancellation on the Stripe API
type Stripe struct {
	StripeOptions
}

func NewStripe(option StripeOptions) (*Stripe, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.SuccessURL == "" || option.CancelURL == "" {
		return nil, fmt.Errorf("checkout success and cancel URLs are required")
	}
	return &Stripe{
		StripeOptions: option,
	}, nil
}

// EnsureCustomer returns customerID if set, otherwise creates a Stripe customer tagged with the user id
func (s *Stripe) EnsureCustomer(ctx context.Context, userID, email, customerID string) (string, error) {
	if customerID != "" {
		return customerID, nil
	}
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(email),
	}
	params.AddMetadata("user_id", userID)

	c, err := s.Client.Customers.New(params)
	if err != nil {
		s.Logger.Error("Stripe returned error",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create a new Customer")
	}
	return c.ID, nil
}

// CreateCheckoutSession starts a hosted subscription checkout. The user id is copied into the subscription
// metadata so webhooks can find the record before it is bound
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req subscription.CheckoutSessionRequest) (string, error) {
	subscriptionData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{
			"user_id": req.UserID,
		},
	}
	if req.TrialDays > 0 {
		subscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: subscriptionData,
		SuccessURL:       stripe.String(s.SuccessURL),
		CancelURL:        stripe.String(s.CancelURL),
	}

	session, err := s.Client.CheckoutSessions.New(params)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create checkout session")
	}
	return session.URL, nil
}

// CancelSubscription cancels right away, or flags the subscription to end with its current period
func (s *Stripe) CancelSubscription(ctx context.Context, req subscription.CancelRequest) error {
	if req.Immediate {
		_, err := s.Client.Subscriptions.Cancel(req.ExternalID, &stripe.SubscriptionCancelParams{
			Params: stripe.Params{
				Context: ctx,
			},
		})
		if err != nil {
			return extErrors.Wrap(err, "Cannot cancel subscription")
		}
		return nil
	}
	_, err := s.Client.Subscriptions.Update(req.ExternalID, &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot schedule subscription cancellation")
	}
	return nil
}
