// internal/dispatch/redis.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainpay/chainpay-backend/internal/config"
)

// RedisBroker carries the dispatch stream on Redis Streams with a consumer
// group, so a restarted process resumes where the group left off.
type RedisBroker struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

func NewRedisBroker(redisCfg config.RedisConfig, dispatchCfg config.DispatchConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr(),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	host, err := os.Hostname()
	if err != nil {
		host = "chainpay"
	}

	broker := &RedisBroker{
		client:   client,
		stream:   dispatchCfg.Stream,
		group:    dispatchCfg.ConsumerGroup,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := broker.ensureGroup(ctx); err != nil {
		// The stream can be created lazily once Redis is reachable; the
		// gateway starts in fallback either way.
		return broker, err
	}
	return broker, nil
}

// ensureGroup creates the stream and consumer group if they do not exist yet.
func (b *RedisBroker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", b.group, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, values map[string]interface{}) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: values,
	}).Err()
}

func (b *RedisBroker) Consume(ctx context.Context, block time.Duration, count int64) ([]Entry, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		// A block timeout with nothing to read is not an error.
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			if groupErr := b.ensureGroup(ctx); groupErr != nil {
				return nil, groupErr
			}
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, stream := range streams {
		for _, message := range stream.Messages {
			entries = append(entries, Entry{ID: message.ID, Values: message.Values})
		}
	}
	return entries, nil
}

func (b *RedisBroker) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, b.stream, b.group, ids...).Err()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
