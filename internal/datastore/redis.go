package datastore

import (
	"context"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

// RedisClient is the subset of *redis.Client the probe uses.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisDialer func(opts *redis.Options) RedisClient

func newRedisClient(opts *redis.Options) RedisClient { return redis.NewClient(opts) }

// RedisProbe builds a fresh client, sends PING and closes the client.
type RedisProbe struct {
	conf cfg.Redis
	dial RedisDialer
}

func NewRedisProbe(c cfg.Redis, opts ...RedisOption) *RedisProbe {
	p := &RedisProbe{conf: c, dial: newRedisClient}
	for _, o := range opts {
		o(p)
	}
	return p
}

type RedisOption func(*RedisProbe)

func WithRedisDialer(fn RedisDialer) RedisOption {
	return func(p *RedisProbe) {
		if fn != nil {
			p.dial = fn
		}
	}
}

func (p *RedisProbe) Name() string { return NameRedis }

// Options returns the client options for this probe. Password is only set
// when configured.
func (p *RedisProbe) Options() *redis.Options {
	o := &redis.Options{
		Addr: net.JoinHostPort(p.conf.Host, strconv.Itoa(p.conf.Port)),
		// one-shot client, never retry
		MaxRetries: -1,
		PoolSize:   1,
	}
	if p.conf.Password != "" {
		o.Password = p.conf.Password
	}
	return o
}

func (p *RedisProbe) Check(ctx context.Context) error {
	opts := p.Options()
	c := p.dial(opts)
	defer func() {
		if err := c.Close(); err != nil {
			log.FromContext(ctx).Warn(ctx, "redis close failed", "error", err)
		}
	}()

	if err := c.Ping(ctx).Err(); err != nil {
		return xerrors.Wrapf(err, "ping %s", opts.Addr)
	}
	return nil
}
