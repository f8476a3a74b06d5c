// Package rediswallet provides a Redis-backed wallet.Store for deployments
// where multiple replicas must share one set of owned identities.
package rediswallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/teaspoon-world/tmcp-go/wallet"
)

// Config for the Redis-backed wallet. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all wallet keys. ENV: WALLET_KEY_PREFIX
	KeyPrefix string `env:"WALLET_KEY_PREFIX,default=tmcp:wallet:"`
}

// ConfigFromEnv loads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode wallet config: %w", err)
	}
	return cfg, nil
}

// Store implements wallet.Store on Redis. Identities are stored as JSON
// under "<prefix>id:<did>" with an alias index at "<prefix>alias:<alias>".
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ wallet.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tmcp:wallet:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

func (s *Store) idKey(did string) string      { return s.keyPrefix + "id:" + did }
func (s *Store) aliasKey(alias string) string { return s.keyPrefix + "alias:" + alias }

func (s *Store) ResolveAlias(ctx context.Context, alias string) (*wallet.Identity, error) {
	did, err := s.client.Get(ctx, s.aliasKey(alias)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, wallet.ErrAliasNotFound
		}
		return nil, fmt.Errorf("redis get alias: %w", err)
	}
	return s.Get(ctx, did)
}

func (s *Store) Get(ctx context.Context, did string) (*wallet.Identity, error) {
	b, err := s.client.Get(ctx, s.idKey(did)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, wallet.ErrNotFound
		}
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	var id wallet.Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

func (s *Store) Put(ctx context.Context, id *wallet.Identity) error {
	b, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	// Replace any prior identity under the same alias atomically so alias
	// and DID indexes cannot diverge under concurrent writers.
	pipe := s.client.TxPipeline()
	prior, err := s.client.Get(ctx, s.aliasKey(id.Alias)).Result()
	if err == nil && prior != id.DID {
		pipe.Del(ctx, s.idKey(prior))
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis get alias: %w", err)
	}
	pipe.Set(ctx, s.idKey(id.DID), b, 0)
	pipe.Set(ctx, s.aliasKey(id.Alias), id.DID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put identity: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
