// Package redis connects the process to the shared coordination store.
package redis

import (
	"context"
	"time"

	redigo "github.com/redis/go-redis/v9"

	config "github.com/agentgrid/agentgrid/config/utils"
)

// New creates the store client and verifies the connection. The client
// retries individual commands; outage handling beyond that belongs to
// the run loops.
func New(ctx context.Context, config *config.Redis) (redigo.UniversalClient, error) {
	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{config.Addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return client, nil
}
