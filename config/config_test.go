package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zllovesuki/prmeter/plan"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func envOf(m map[string]string) func(string) string {
	return func(key string) string {
		return m[key]
	}
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(EnvDevelopment, envOf(map[string]string{
		"POSTGRES_URI": "postgres://localhost/billing",
		"REDIS_ADDRS":  "localhost:6379",
	}))
	assert.NilError(t, err)
	assert.Equal(t, c.ListenAddr, ":42069")
	assert.DeepEqual(t, c.RedisAddrs, []string{"localhost:6379"})
	assert.DeepEqual(t, c.CORSAllowedOrigins, []string{"*"})
	assert.Equal(t, c.WebhookTolerance, time.Duration(0))
	assert.Equal(t, c.ShutdownGracePeriod, 10*time.Second)

	catalog, err := c.Catalog()
	assert.NilError(t, err)
	assert.Equal(t, catalog.LimitsFor(plan.TierFree).AnalysesPerPeriod, int64(10))
}

func TestFromEnvParsesLists(t *testing.T) {
	c, err := FromEnv(EnvDevelopment, envOf(map[string]string{
		"POSTGRES_URI":             "postgres://localhost/billing",
		"REDIS_ADDRS":              "redis-1:6379, redis-2:6379,",
		"CORS_ALLOWED_ORIGINS":     "https://app.example.com",
		"STRIPE_WEBHOOK_TOLERANCE": "600",
		"SHUTDOWN_GRACE_PERIOD":    "30s",
	}))
	assert.NilError(t, err)
	assert.DeepEqual(t, c.RedisAddrs, []string{"redis-1:6379", "redis-2:6379"})
	assert.DeepEqual(t, c.CORSAllowedOrigins, []string{"https://app.example.com"})
	assert.Equal(t, c.WebhookTolerance, 10*time.Minute)
	assert.Equal(t, c.ShutdownGracePeriod, 30*time.Second)
}

func TestFromEnvValidation(t *testing.T) {
	_, err := FromEnv(EnvDevelopment, envOf(map[string]string{"REDIS_ADDRS": "localhost:6379"}))
	assert.ErrorContains(t, err, "POSTGRES_URI")

	_, err = FromEnv(EnvDevelopment, envOf(map[string]string{"POSTGRES_URI": "postgres://localhost/billing"}))
	assert.ErrorContains(t, err, "REDIS_ADDRS")

	_, err = FromEnv(EnvProduction, envOf(map[string]string{
		"POSTGRES_URI": "postgres://localhost/billing",
		"REDIS_ADDRS":  "localhost:6379",
	}))
	assert.ErrorContains(t, err, "PLANS_FILE")

	_, err = FromEnv(EnvDevelopment, envOf(map[string]string{
		"POSTGRES_URI":          "postgres://localhost/billing",
		"REDIS_ADDRS":           "localhost:6379",
		"SHUTDOWN_GRACE_PERIOD": "soon",
	}))
	assert.ErrorContains(t, err, "SHUTDOWN_GRACE_PERIOD")
}

func TestCatalogFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plans.json")
	assert.NilError(t, os.WriteFile(file, []byte(`[
		{"tier": "FREE", "name": "Free", "analysesPerPeriod": 5},
		{"tier": "PRO", "name": "Pro", "analysesPerPeriod": 50, "prices": {"monthly": "price_live_pro"}}
	]`), 0o600))

	c := &Config{PlansFile: file}
	catalog, err := c.Catalog()
	assert.NilError(t, err)
	tier, _, err := catalog.Resolve("price_live_pro")
	assert.NilError(t, err)
	assert.Equal(t, tier, plan.TierPro)

	c.PlansFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = c.Catalog()
	assert.Assert(t, is.ErrorContains(err, "plans JSON"))
}

func TestEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	assert.Equal(t, CurrentEnvironment(), EnvProduction)
	assert.Equal(t, CurrentEnvironment().DotFile(), ".env.production")

	t.Setenv("ENV", "staging")
	assert.Equal(t, CurrentEnvironment(), EnvDevelopment)
}

func TestLoadWithoutDotFile(t *testing.T) {
	wd, err := os.Getwd()
	assert.NilError(t, err)
	assert.NilError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		os.Chdir(wd)
	})
	t.Setenv("POSTGRES_URI", "postgres://localhost/billing")
	t.Setenv("REDIS_ADDRS", "localhost:6379")

	c, err := Load(EnvDevelopment)
	assert.NilError(t, err)
	assert.Equal(t, c.PostgresURI, "postgres://localhost/billing")
}
