package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the connection shared by streams, dedupe keys and requeue locks.
type RedisOptions struct {
	URL string
	// ClientName tags every pooled connection so CLIENT LIST shows which
	// process (router, server, channel worker) holds it.
	ClientName string
	// PoolSize overrides the go-redis default when positive. Blocking
	// XREADGROUP calls each hold a connection for the whole poll.
	PoolSize int
}

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, o RedisOptions) (*RedisStore, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if o.ClientName != "" {
		opts.ClientName = o.ClientName
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}
