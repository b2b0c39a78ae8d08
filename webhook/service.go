package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zllovesuki/prmeter/plan"
	resp "github.com/zllovesuki/prmeter/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// MaxBodyBytes bounds the size of a webhook payload
const MaxBodyBytes = int64(65536)

type ServiceOptions struct {
	Verifier   *Verifier
	Reconciler *Reconciler
	Logger     *zap.Logger
}

// Service is the HTTP endpoint Stripe delivers events to
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// Response is the body returned to Stripe
type Response struct {
	Outcome Outcome `json:"outcome"`
}

func (s *Service) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		s.Logger.Warn("Unable to read webhook body", zap.Error(err))
		resp.WriteError(w, r, resp.ErrPayloadTooLarge())
		return
	}

	stripeEvent, err := s.Verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.Logger.Warn("Rejecting webhook", zap.Error(err))
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Signature verification failed"))
		return
	}

	ev, err := FromStripe(stripeEvent)
	if err != nil {
		s.Logger.Error("Unable to decode verified event",
			zap.String("EventID", stripeEvent.ID),
			zap.String("EventKind", stripeEvent.Type),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Malformed event"))
		return
	}

	res, err := s.Reconciler.Apply(ctx, ev)
	switch {
	case errors.Is(err, plan.ErrUnmappedPrice):
		resp.WriteError(w, r, resp.ErrUnprocessable().AddMessages("Unmapped price"))
		return
	case errors.Is(err, ErrSubscriptionNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription matches the event"))
		return
	case err != nil:
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, Response{Outcome: res.Outcome})
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleStripe)

	return r
}
