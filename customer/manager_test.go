package customer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zllovesuki/prmeter/auth"
	"github.com/zllovesuki/prmeter/dbtest"
	"github.com/zllovesuki/prmeter/plan"
	"github.com/zllovesuki/prmeter/subscription"

	"go.uber.org/zap"
	"gotest.tools/assert"
)

func newTestManager(t *testing.T) (*Manager, *subscription.Manager) {
	t.Helper()
	db := dbtest.New(t)
	catalog, err := plan.NewCatalog(plan.DefaultPlans())
	assert.NilError(t, err)
	subs, err := subscription.NewManager(subscription.ManagerOptions{
		DB:      db,
		Logger:  zap.NewNop(),
		Catalog: catalog,
	})
	assert.NilError(t, err)
	m, err := NewManager(ManagerOptions{
		DB:            db,
		Logger:        zap.NewNop(),
		Subscriptions: subs,
	})
	assert.NilError(t, err)
	return m, subs
}

func TestNewCustomerCreatesFreeSubscription(t *testing.T) {
	m, subs := newTestManager(t)
	ctx := context.Background()

	cust, err := m.NewCustomer(ctx, "user-1", "dev@example.com")
	assert.NilError(t, err)
	assert.Equal(t, cust.ID, "user-1")

	sub, err := subs.Get(ctx, "user-1")
	assert.NilError(t, err)
	assert.Equal(t, sub.Tier, plan.TierFree)
	assert.Equal(t, sub.Status, subscription.StatusActive)
	assert.Assert(t, sub.ExternalID == nil)

	again, err := m.NewCustomer(ctx, "user-1", "dev@example.com")
	assert.NilError(t, err)
	assert.Assert(t, again.CreatedAt.Equal(cust.CreatedAt))

	sameSub, err := subs.Get(ctx, "user-1")
	assert.NilError(t, err)
	assert.Equal(t, sameSub.ID, sub.ID)
}

func TestNewCustomerEmailTaken(t *testing.T) {
	m, subs := newTestManager(t)
	ctx := context.Background()

	_, err := m.NewCustomer(ctx, "user-1", "dev@example.com")
	assert.NilError(t, err)

	_, err = m.NewCustomer(ctx, "user-2", "dev@example.com")
	assert.Assert(t, errors.Is(err, ErrEmailTaken))

	sub, err := subs.Get(ctx, "user-2")
	assert.NilError(t, err)
	assert.Assert(t, sub == nil)
}

func TestGetCustomer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	missing, err := m.GetByID(ctx, "user-1")
	assert.NilError(t, err)
	assert.Assert(t, missing == nil)

	_, err = m.NewCustomer(ctx, "user-1", "dev@example.com")
	assert.NilError(t, err)

	byID, err := m.GetByID(ctx, "user-1")
	assert.NilError(t, err)
	assert.Equal(t, byID.Email, "dev@example.com")

	byEmail, err := m.GetByEmail(ctx, "dev@example.com")
	assert.NilError(t, err)
	assert.Equal(t, byEmail.ID, "user-1")
}

func TestServiceRegister(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := NewService(Options{CustomerManager: m, Logger: zap.NewNop()})
	assert.NilError(t, err)

	call := func(method, path string, claims *auth.Claims) int {
		req := httptest.NewRequest(method, path, nil)
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, call(http.MethodGet, "/me", &auth.Claims{ID: "user-1", Email: "dev@example.com"}), http.StatusNotFound)
	assert.Equal(t, call(http.MethodPost, "/", &auth.Claims{ID: "user-1"}), http.StatusBadRequest)
	assert.Equal(t, call(http.MethodPost, "/", &auth.Claims{ID: "user-1", Email: "dev@example.com"}), http.StatusOK)
	assert.Equal(t, call(http.MethodPost, "/", &auth.Claims{ID: "user-1", Email: "dev@example.com"}), http.StatusOK)
	assert.Equal(t, call(http.MethodPost, "/", &auth.Claims{ID: "user-2", Email: "dev@example.com"}), http.StatusConflict)
	assert.Equal(t, call(http.MethodGet, "/me", &auth.Claims{ID: "user-1", Email: "dev@example.com"}), http.StatusOK)
}
