package entitlement

import (
	"fmt"
	"net/http"

	"github.com/zllovesuki/prmeter/auth"
	resp "github.com/zllovesuki/prmeter/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type ServiceOptions struct {
	Gate   *Gate
	Logger *zap.Logger
}

type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Gate == nil {
		return nil, fmt.Errorf("nil Gate is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// check always answers 200; a denial is carried in the Decision
func (s *Service) check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	d, err := s.Gate.CanConsume(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to check entitlement",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to check entitlement"))
		return
	}

	resp.WriteResponse(w, r, d)
}

// FeatureResponse is the body of GET /features/{name}
type FeatureResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

func (s *Service) feature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)
	name := chi.URLParam(r, "name")

	enabled, err := s.Gate.HasFeature(ctx, claims.ID, name)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to check feature"))
		return
	}

	resp.WriteResponse(w, r, FeatureResponse{Feature: name, Enabled: enabled})
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.check)
	r.Get("/features/{name}", s.feature)

	return r
}
