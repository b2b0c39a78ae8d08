// Package alert delivers operator alerts for conditions that need a human, such as a Stripe price
// that no plan in the catalog sells.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Defining the alert kinds raised by the billing engine
const (
	KindUnmappedPrice = "unmapped_price"
	KindUnknownStatus = "unknown_status"
)

// Alert is one operator notification
type Alert struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Alerter sends alerts to operators
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Log is an Alerter that only logs at Error level, which reaches Sentry through the zap core
type Log struct {
	Logger *zap.Logger
}

func fields(a Alert) []zap.Field {
	fs := make([]zap.Field, 0, len(a.Fields)+1)
	fs = append(fs, zap.String("AlertKind", a.Kind))
	for k, v := range a.Fields {
		fs = append(fs, zap.String(k, v))
	}
	return fs
}

// Alert logs a
func (l Log) Alert(ctx context.Context, a Alert) error {
	l.Logger.Error(a.Message, fields(a)...)
	return nil
}

// RedisOptions configures the Redis alerter
type RedisOptions struct {
	Redis      redis.UniversalClient
	Logger     *zap.Logger
	Channel    string // Pub/Sub channel operators subscribe to. Defaults to "billing:alerts"
	MaxEntries int64  // Alerts kept in the replay list. Defaults to 500
}

// Redis publishes alerts on a Pub/Sub channel and keeps the latest ones in a capped list
// so an operator console can show what it missed
type Redis struct {
	RedisOptions
	listKey string
}

// NewRedis returns an Alerter backed by Redis
func NewRedis(option RedisOptions) (*Redis, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Channel == "" {
		option.Channel = "billing:alerts"
	}
	if option.MaxEntries <= 0 {
		option.MaxEntries = 500
	}
	return &Redis{
		RedisOptions: option,
		listKey:      option.Channel + ":recent",
	}, nil
}

// Alert logs a, publishes it and appends it to the replay list
func (r *Redis) Alert(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	r.Logger.Error(a.Message, fields(a)...)

	payload, err := json.Marshal(a)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode alert")
	}
	pipe := r.Redis.TxPipeline()
	pipe.LPush(r.listKey, payload)
	pipe.LTrim(r.listKey, 0, r.MaxEntries-1)
	pipe.Publish(r.Channel, payload)
	if _, err := pipe.Exec(); err != nil {
		r.Logger.Error("Unable to deliver alert to Redis", zap.Error(err))
		return extErrors.Wrap(err, "Cannot deliver alert")
	}
	return nil
}

// Recent returns up to n alerts, newest first
func (r *Redis) Recent(n int64) ([]Alert, error) {
	raw, err := r.Redis.LRange(r.listKey, 0, n-1).Result()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot read recent alerts")
	}
	alerts := make([]Alert, 0, len(raw))
	for _, item := range raw {
		var a Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
