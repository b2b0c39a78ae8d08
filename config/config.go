// Package config reads the environment of the billing binaries and builds their logger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zllovesuki/prmeter/plan"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment is the deployment the binary runs in
type Environment string

// Defining the environments, selected with ENV
const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// CurrentEnvironment reads ENV. Anything other than "production" is development
func CurrentEnvironment() Environment {
	if Environment(os.Getenv("ENV")) == EnvProduction {
		return EnvProduction
	}
	return EnvDevelopment
}

// DotFile is the .env file loaded for the environment
func (e Environment) DotFile() string {
	return ".env." + string(e)
}

// Config holds everything the binaries read from the environment
type Config struct {
	Environment Environment

	PostgresURI   string
	RedisAddrs    []string
	RedisPassword string
	AMQPURI       string

	StripeKey           string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	JWTSigningKey       string
	PlansFile           string // empty uses the built-in plans in development
	AlertChannel        string
	ListenAddr          string
	CORSAllowedOrigins  []string
	ShutdownGracePeriod time.Duration
}

// Load reads the .env file of env, if present, and then the process environment
func Load(env Environment) (*Config, error) {
	if err := godotenv.Load(env.DotFile()); err != nil && !os.IsNotExist(err) {
		return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	return FromEnv(env, os.Getenv)
}

// FromEnv builds a Config from getenv and validates it
func FromEnv(env Environment, getenv func(string) string) (*Config, error) {
	c := &Config{
		Environment:         env,
		PostgresURI:         getenv("POSTGRES_URI"),
		RedisAddrs:          split(getenv("REDIS_ADDRS")),
		RedisPassword:       getenv("REDIS_PW"),
		AMQPURI:             getenv("AMQP_URI"),
		StripeKey:           getenv("STRIPE_KEY"),
		StripeWebhookSecret: getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   getenv("CHECKOUT_CANCEL_URL"),
		JWTSigningKey:       getenv("JWT_SIGNING_KEY"),
		PlansFile:           getenv("PLANS_FILE"),
		AlertChannel:        getenv("ALERT_CHANNEL"),
		ListenAddr:          getenv("LISTEN_ADDR"),
		CORSAllowedOrigins:  split(getenv("CORS_ALLOWED_ORIGINS")),
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":42069"
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}

	var err error
	if c.WebhookTolerance, err = duration(getenv, "STRIPE_WEBHOOK_TOLERANCE", 0); err != nil {
		return nil, err
	}
	if c.ShutdownGracePeriod, err = duration(getenv, "SHUTDOWN_GRACE_PERIOD", 10*time.Second); err != nil {
		return nil, err
	}

	if c.PostgresURI == "" {
		return nil, fmt.Errorf("POSTGRES_URI is required")
	}
	if len(c.RedisAddrs) == 0 {
		return nil, fmt.Errorf("REDIS_ADDRS is required")
	}
	if env == EnvProduction && c.PlansFile == "" {
		return nil, fmt.Errorf("PLANS_FILE is required in production")
	}
	return c, nil
}

// Catalog loads the plan catalog from PlansFile, or the built-in plans when none is set
func (c *Config) Catalog() (*plan.Catalog, error) {
	if c.PlansFile == "" {
		return plan.NewCatalog(plan.DefaultPlans())
	}
	return plan.LoadFromFile(c.PlansFile)
}

func split(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func duration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

// NewLogger returns the zap logger of a binary. Error level entries are also captured by Sentry.
// The returned func flushes Sentry and must be deferred by main
func NewLogger(env Environment, component, version string) (*zap.Logger, func(), error) {
	var logger *zap.Logger
	var err error
	if env == EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize logger")
	}
	logger = logger.With(zap.String("Version", version))

	// Initialize sentry for error reporting. SENTRY_DSN is read by the client; without it events are dropped
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(env),
		Release:     version,
		Debug:       env == EnvDevelopment,
	}); err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize sentry")
	}

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": component,
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot attach sentry to logger")
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	flush := func() {
		logger.Sync()
		sentry.Flush(2 * time.Second)
	}
	return logger, flush, nil
}
