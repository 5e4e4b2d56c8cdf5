package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lazyreview:draft:"

// RedisClient keeps the unsaved review drafts. Entries expire after TTL, zero keeps them forever.
type RedisClient struct {
	TTL time.Duration

	baseClient redis.Cmdable
}

// Get returns nil, without error, when the key does not exist.
func (rc RedisClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := rc.baseClient.Get(ctx, Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get the key '%s': %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(result)), nil
}

func (rc RedisClient) Put(ctx context.Context, key string, payload io.Reader) error {
	value, err := io.ReadAll(payload)
	if err != nil {
		return fmt.Errorf("failed to read the payload: %w", err)
	}
	if err := rc.baseClient.Set(ctx, Key(key), value, rc.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set the key '%s': %w", key, err)
	}
	return nil
}

func (rc RedisClient) Delete(ctx context.Context, key string) error {
	if err := rc.baseClient.Del(ctx, Key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete the key '%s': %w", key, err)
	}
	return nil
}

// Key namespaces a draft key.
func Key(key string) string {
	if strings.HasPrefix(key, keyPrefix) {
		return key
	}
	return keyPrefix + key
}

func NewRedisClient(addr, username, password string, ttl time.Duration, useTLS bool) (RedisClient, error) {
	opts := &redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
	}
	if useTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	rdb := redis.NewClient(opts)
	ctx, ctxcancel := context.WithTimeout(context.Background(), time.Second)
	defer ctxcancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return RedisClient{}, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return RedisClient{
		TTL:        ttl,
		baseClient: rdb,
	}, nil
}
