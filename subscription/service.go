package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zllovesuki/prmeter/auth"
	"github.com/zllovesuki/prmeter/plan"
	resp "github.com/zllovesuki/prmeter/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

type ServiceOptions struct {
	Manager *Manager
	Logger  *zap.Logger
}

type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// View is the subscription as shown to its owner
type View struct {
	*Subscription
	EffectiveTier plan.Tier `json:"effectiveTier"`
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	sub, err := s.Manager.Ensure(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get subscription"))
		return
	}

	resp.WriteResponse(w, r, View{
		Subscription:  sub,
		EffectiveTier: sub.EffectiveTier(),
	})
}

// CheckoutRequest is the body of POST /checkout
type CheckoutRequest struct {
	Tier     plan.Tier     `json:"tier" validate:"required,oneof=PRO ENTERPRISE"`
	Interval plan.Interval `json:"interval" validate:"required,oneof=month year"`
}

// CheckoutResponse carries the hosted checkout URL
type CheckoutResponse struct {
	URL string `json:"url"`
}

func (s *Service) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrValidation(err))
		return
	}

	url, err := s.Manager.Checkout(ctx, CheckoutOption{
		UserID:   claims.ID,
		Email:    claims.Email,
		Tier:     req.Tier,
		Interval: req.Interval,
	})
	switch {
	case errors.Is(err, ErrAlreadySubscribed):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(err.Error()))
		return
	case errors.Is(err, ErrNoProvider):
		resp.WriteError(w, r, resp.ErrServiceUnavailable().AddMessages(err.Error()))
		return
	case err != nil:
		logger.Error("Unable to start checkout", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to start checkout"))
		return
	}

	resp.WriteResponse(w, r, CheckoutResponse{URL: url})
}

// CancelSubscriptionRequest is the body of POST /cancel
type CancelSubscriptionRequest struct {
	Immediate bool `json:"immediate"`
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	var req CancelSubscriptionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}

	sub, err := s.Manager.Cancel(ctx, claims.ID, req.Immediate)
	switch {
	case errors.Is(err, ErrNothingToCancel):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(err.Error()))
		return
	case errors.Is(err, ErrNoProvider):
		resp.WriteError(w, r, resp.ErrServiceUnavailable().AddMessages(err.Error()))
		return
	case err != nil:
		logger.Error("Unable to cancel subscription", zap.Error(err))
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to cancel subscription"))
		return
	}

	resp.WriteResponse(w, r, View{
		Subscription:  sub,
		EffectiveTier: sub.EffectiveTier(),
	})
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, s.Manager.Catalog.Plans())
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.getSubscription)
	r.Post("/checkout", s.checkout)
	r.Post("/cancel", s.cancel)
	r.Get("/plans", s.listPlans)

	return r
}
