package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/prmeter/broker"
	"github.com/zllovesuki/prmeter/config"
	"github.com/zllovesuki/prmeter/db"
	"github.com/zllovesuki/prmeter/subscription"
	"github.com/zllovesuki/prmeter/usage"

	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	runRollover := flag.Bool("rollover", false, "run the monthly rollover once and exit instead of consuming completions")
	runExpire := flag.Bool("expire", false, "run the daily expiry of canceled subscriptions once and exit")
	flag.Parse()

	env := config.CurrentEnvironment()

	logger, flush, err := config.NewLogger(env, "task", Version)
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

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:      gdb,
		Logger:  logger,
		Catalog: catalog,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	if *runRollover || *runExpire {
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

		rollover, err := usage.NewRollover(usage.RolloverOptions{
			Locker:  db.NewLocker(rdb, "billing:"),
			Expirer: subscriptionManager,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Rollover",
				zap.Error(err),
			)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if *runExpire {
			res, err := rollover.Expire(ctx, time.Now())
			if err != nil {
				logger.Error("Expiry failed",
					zap.Error(err),
				)
				return
			}
			logger.Info("Expiry finished",
				zap.String("Day", res.Day),
				zap.Bool("Skipped", res.Skipped),
				zap.Int("Expired", res.Expired),
			)
			return
		}

		res, err := rollover.Run(ctx, time.Now())
		if err != nil {
			logger.Error("Rollover failed",
				zap.Error(err),
			)
			return
		}
		logger.Info("Rollover finished",
			zap.String("PeriodKey", res.PeriodKey),
			zap.Bool("Skipped", res.Skipped),
			zap.Int("Expired", res.Expired),
		)
		return
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

	amqpBroker, err := broker.NewAMQPBroker(cfg.AMQPURI, logger)
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	usageTask, err := usage.NewTask(usage.TaskOptions{
		Manager:  usageManager,
		Consumer: amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot get usage task",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	if err := usageTask.HandleCompleted(ctx); err != nil {
		logger.Fatal("Cannot handle analysis completions",
			zap.Error(err),
		)
	}

	logger.Info("Usage task started")

	<-c
	cancel()
}
