package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zllovesuki/prmeter/auth"

	"go.uber.org/zap"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func get(t *testing.T, s *Service, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{ID: userID}))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServiceHistory(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewService(ServiceOptions{Manager: env.usage, Logger: zap.NewNop()})
	assert.NilError(t, err)

	ctx := context.Background()
	for _, key := range []string{"2024-01", "2024-02", "2024-03"} {
		_, err := env.usage.Increment(ctx, "user-1", key, 1, 0)
		assert.NilError(t, err)
	}

	rec := get(t, s, "/?n=2", "user-1")
	assert.Equal(t, rec.Code, http.StatusOK)
	var periods []Period
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &periods))
	assert.Assert(t, is.Len(periods, 2))
	assert.Equal(t, periods[0].PeriodKey, "2024-03")

	rec = get(t, s, "/?n=zero", "user-1")
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestServiceCurrent(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewService(ServiceOptions{Manager: env.usage, Logger: zap.NewNop()})
	assert.NilError(t, err)

	rec := get(t, s, "/current", "user-1")
	assert.Equal(t, rec.Code, http.StatusOK)
	var p Period
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, p.PeriodKey, "2024-03")
	assert.Equal(t, p.Limit, int64(10))
}
