// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzaai/pkg/commons"
)

// RedisConnector exposes the shared cache client plus a liveness probe.
// The session store is the only consumer; it coordinates every worker that
// serves the same call.
type RedisConnector interface {
	Client() *redis.Client
	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig carries connection parameters for the shared cache.
type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

type redisConnector struct {
	logger commons.Logger
	client *redis.Client
}

// NewRedisConnector creates a connector; it does not dial. Call Ping at
// startup to verify reachability before serving traffic.
func NewRedisConnector(logger commons.Logger, cfg RedisConfig) RedisConnector {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     64,
	})
	return &redisConnector{logger: logger, client: client}
}

// NewRedisConnectorFromClient wraps an existing client. Tests use this with
// redismock.
func NewRedisConnectorFromClient(logger commons.Logger, client *redis.Client) RedisConnector {
	return &redisConnector{logger: logger, client: client}
}

func (c *redisConnector) Client() *redis.Client { return c.client }

func (c *redisConnector) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

func (c *redisConnector) Close() error { return c.client.Close() }
