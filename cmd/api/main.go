package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/prmeter/alert"
	"github.com/zllovesuki/prmeter/auth"
	"github.com/zllovesuki/prmeter/config"
	"github.com/zllovesuki/prmeter/customer"
	"github.com/zllovesuki/prmeter/db"
	"github.com/zllovesuki/prmeter/entitlement"
	"github.com/zllovesuki/prmeter/external"
	"github.com/zllovesuki/prmeter/subscription"
	"github.com/zllovesuki/prmeter/usage"
	"github.com/zllovesuki/prmeter/webhook"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	env := config.CurrentEnvironment()

	logger, flush, err := config.NewLogger(env, "api", Version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer flush()

	cfg, err := config.Load(env)
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		logger.Fatal("Cannot load plan catalog",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	gdb, err := db.New(db.Options{
		URI:    cfg.PostgresURI,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb, err := db.NewRedis(db.RedisOptions{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	alerter, err := alert.NewRedis(alert.RedisOptions{
		Redis:   rdb,
		Logger:  logger,
		Channel: cfg.AlertChannel,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Alerter",
			zap.Error(err),
		)
	}

	authenticator, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.JWTSigningKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	subscriptionOptions := subscription.ManagerOptions{
		DB:      gdb,
		Logger:  logger,
		Catalog: catalog,
	}
	if cfg.StripeKey != "" {
		provider, err := external.NewStripe(external.StripeOptions{
			Client:     external.NewStripeClient(cfg.StripeKey),
			Logger:     logger,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Stripe provider",
				zap.Error(err),
			)
		}
		subscriptionOptions.Provider = provider
	} else {
		logger.Warn("STRIPE_KEY is not set, checkout and cancellation are disabled")
	}

	subscriptionManager, err := subscription.NewManager(subscriptionOptions)
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	customerManager, err := customer.NewManager(customer.ManagerOptions{
		DB:            gdb,
		Logger:        logger,
		Subscriptions: subscriptionManager,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	usageManager, err := usage.NewManager(usage.ManagerOptions{
		DB:            gdb,
		Logger:        logger,
		Catalog:       catalog,
		Subscriptions: subscriptionManager,
	})
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager",
			zap.Error(err),
		)
	}

	gate, err := entitlement.NewGate(entitlement.GateOptions{
		Subscriptions: subscriptionManager,
		Usage:         usageManager,
		Catalog:       catalog,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Gate",
			zap.Error(err),
		)
	}

	verifier, err := webhook.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance)
	if err != nil {
		logger.Fatal("Cannot initialize webhook Verifier",
			zap.Error(err),
		)
	}

	reconciler, err := webhook.NewReconciler(webhook.ReconcilerOptions{
		DB:            gdb,
		Logger:        logger,
		Catalog:       catalog,
		Subscriptions: subscriptionManager,
		Alerter:       alerter,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Verifier:   verifier,
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	customerRouter, err := customer.NewService(customer.Options{
		CustomerManager: customerManager,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Customer Service Router",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		Manager: subscriptionManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	usageRouter, err := usage.NewService(usage.ServiceOptions{
		Manager: usageManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Usage Service Router",
			zap.Error(err),
		)
	}

	entitlementRouter, err := entitlement.NewService(entitlement.ServiceOptions{
		Gate:   gate,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Entitlement Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.RealIP)
	rootRouter.Use(middleware.Recoverer)

	// Stripe calls the webhook directly, without CORS or a user token
	rootRouter.Mount("/webhooks", webhookRouter.Router())

	rootRouter.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(authenticator.Middleware())
		r.Use(authenticator.ClaimCheck())

		r.Mount("/customers", customerRouter.Router())
		r.Mount("/subscription", subscriptionRouter.Router())
		r.Mount("/usage", usageRouter.Router())
		r.Mount("/entitlements", entitlementRouter.Router())
	})

	if env == config.EnvDevelopment {
		rootRouter.HandleFunc("/pprof/*", pprof.Index)
		rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
		rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
		rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
		rootRouter.HandleFunc("/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Handler:           rootRouter,
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("API server started", zap.String("Addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server stopped",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
