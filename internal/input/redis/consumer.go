package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis event queue.
type Config struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	DeadLetterKey string
	BlockTimeout  time.Duration
}

// Consumer pops event messages from a Redis list and pushes messages that
// could not be ingested onto a dead-letter list.
type Consumer struct {
	client        *redis.Client
	key           string
	deadLetterKey string
	blockTimeout  time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:        client,
		key:           cfg.Key,
		deadLetterKey: cfg.DeadLetterKey,
		blockTimeout:  cfg.BlockTimeout,
	}, nil
}

// Pop pops one message from the list. It returns (nil, nil) on timeout.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// WriteRawMessages appends messages to the dead-letter list. Without a
// dead-letter key the messages are discarded.
func (c *Consumer) WriteRawMessages(messages [][]byte) error {
	if c.deadLetterKey == "" || len(messages) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		values = append(values, string(m))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.RPush(ctx, c.deadLetterKey, values...).Err(); err != nil {
		return fmt.Errorf("push dead letters: %w", err)
	}
	return nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
