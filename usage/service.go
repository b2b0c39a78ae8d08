package usage

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/zllovesuki/prmeter/auth"
	resp "github.com/zllovesuki/prmeter/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

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

func (s *Service) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	n := 0
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("n must be a positive integer"))
			return
		}
		n = parsed
	}

	periods, err := s.Manager.History(ctx, claims.ID, n)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list usage"))
		return
	}

	resp.WriteResponse(w, r, periods)
}

func (s *Service) current(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.FromContext(ctx)

	period, err := s.Manager.GetOrCreatePeriod(ctx, claims.ID, s.Manager.CurrentPeriodKey())
	if err != nil {
		s.Logger.Error("Unable to get current usage period",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to get current usage"))
		return
	}

	resp.WriteResponse(w, r, period)
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.history)
	r.Get("/current", s.current)

	return r
}
