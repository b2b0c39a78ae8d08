package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// ErrSignatureInvalid is returned when the payload was not signed with the endpoint secret
var ErrSignatureInvalid = errors.New("webhook signature is invalid")

// Verifier checks the Stripe-Signature header against the endpoint secret. This is a local HMAC check
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier. A zero tolerance uses Stripe's default of five minutes
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty webhook secret is invalid")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}, nil
}

// Verify authenticates payload and decodes it. The API version of the event is not enforced;
// FromStripe only reads fields stable across versions
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	var e stripe.Event
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return e, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}
