// Package redisstore implements license.Storage on Redis so that every node
// of a deployment meters users against one shared record.
//
// SaveStatistics merges with the stored document inside a WATCH transaction:
// users recorded by other nodes are kept, and the caller's users are added
// after them.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/topicsync/license"
)

const maxTxAttempts = 8

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "topicsync:license:"
	KeyPrefix string
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "topicsync:license:"
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

func (s *Store) licenseKey() string    { return s.keyPrefix + "descriptor" }
func (s *Store) statisticsKey() string { return s.keyPrefix + "statistics" }

// PutLicense stores a raw license descriptor.
func (s *Store) PutLicense(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.licenseKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", s.licenseKey(), err)
	}
	return nil
}

func (s *Store) LoadLicense(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.licenseKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no license at %s", license.ErrInvalidLicense, s.licenseKey())
		}
		return nil, fmt.Errorf("failed to get key %s: %w", s.licenseKey(), err)
	}
	return data, nil
}

func (s *Store) LoadStatistics(ctx context.Context) (*license.Statistics, error) {
	data, err := s.client.Get(ctx, s.statisticsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return license.NewStatistics(), nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", s.statisticsKey(), err)
	}
	return license.ParseStatistics(data)
}

func (s *Store) SaveStatistics(ctx context.Context, st *license.Statistics) error {
	key := s.statisticsKey()
	txf := func(tx *redis.Tx) error {
		merged := license.NewStatistics()
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if merged, err = license.ParseStatistics(cur); err != nil {
				return err
			}
		}
		merged.Merge(st)
		data, err := merged.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save statistics: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to save statistics: %w", redis.TxFailedErr)
}

var _ license.Storage = (*Store)(nil)
