package sink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// RedisConfig configures the redis PUBLISH sink.
type RedisConfig struct {
	Addr            string        `json:"addr"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	DB              int           `json:"db"`
	ChannelPrefix   string        `json:"channelPrefix"`
	DialTimeout     time.Duration `json:"dialTimeout"`
	MaxRetries      int           `json:"maxRetries"`
	MinRetryBackoff time.Duration `json:"minRetryBackoff"`
	MaxRetryBackoff time.Duration `json:"maxRetryBackoff"`
	PoolSize        int           `json:"poolSize"`
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "predmkt:"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MinRetryBackoff <= 0 {
		c.MinRetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 2 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	return c
}

// publisher is the part of a redis client the sink needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Redis publishes each event on channel <prefix><event type>.
type Redis struct {
	prefix string
	client publisher
}

// NewRedis connects a redis sink.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis sink: addr is empty")
	}
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.DialTimeout,
		WriteTimeout:    cfg.DialTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		PoolSize:        cfg.PoolSize,
	})
	return newRedis(cfg.ChannelPrefix, client), nil
}

func newRedis(prefix string, client publisher) *Redis {
	return &Redis{prefix: prefix, client: client}
}

func (r *Redis) Name() string { return "redis" }

// Channel returns the channel an event type is published on.
func (r *Redis) Channel(eventType string) string {
	return r.prefix + eventType
}

func (r *Redis) Write(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(msg.Type), body).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", msg.Type)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
