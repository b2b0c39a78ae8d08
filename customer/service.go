package customer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zllovesuki/prmeter/auth"
	resp "github.com/zllovesuki/prmeter/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Options contains the configuration for Service router
type Options struct {
	CustomerManager *Manager
	Logger          *zap.Logger
}

// Service is the customer API router
type Service struct {
	Options
}

// NewService will create an instance of the customer API router
func NewService(option Options) (*Service, error) {
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

// register is called by the signup flow once the identity provider has issued the user's token
func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	logger := s.Logger.With(zap.String("UserID", claims.ID), zap.String("Email", claims.Email))

	if len(claims.Email) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Token has no email"))
		return
	}

	cust, err := s.CustomerManager.NewCustomer(ctx, claims.ID, claims.Email)
	switch {
	case errors.Is(err, ErrEmailTaken):
		resp.WriteError(w, r, resp.ErrConflict().AddMessages(err.Error()))
		return
	case err != nil:
		logger.Error("Unable to register customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to register customer"))
		return
	}

	resp.WriteResponse(w, r, cust)
}

func (s *Service) getCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	cust, err := s.CustomerManager.GetByID(ctx, claims.ID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get customer"))
		return
	}
	if cust == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Customer is not registered"))
		return
	}

	resp.WriteResponse(w, r, cust)
}

// Router will return the routes under customer API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.register)
	r.Get("/me", s.getCustomer)

	return r
}
