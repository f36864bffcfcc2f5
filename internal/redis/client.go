package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/pipeline"
)

// JobsChannel receives every template state change as JSON.
const JobsChannel = "screenshots:jobs"

// RunTTL is how long the latest states of a run stay queryable.
const RunTTL = 24 * time.Hour

// Client publishes screenshot job events and keeps the latest state of each
// template of a run.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient creates a new Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Client{client: rdb, logger: logger}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func runKey(runID string) string {
	return "screenshots:run:" + runID
}

// JobStateChanged records the event under its run and publishes it. Redis
// errors are logged; a lost event never fails a template.
func (c *Client) JobStateChanged(ctx context.Context, event pipeline.JobEvent) {
	if err := c.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish job event",
			zap.String("run_id", event.RunID),
			zap.String("template_id", event.TemplateID),
			zap.String("state", string(event.State)),
			zap.Error(err))
	}
}

// Publish stores event as the template's latest state and sends it on
// JobsChannel.
func (c *Client) Publish(ctx context.Context, event pipeline.JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	key := runKey(event.RunID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, event.TemplateID, body)
	pipe.Expire(ctx, key, RunTTL)
	pipe.Publish(ctx, JobsChannel, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to Redis channel %s: %w", JobsChannel, err)
	}

	c.logger.Debug("Published job event",
		zap.String("channel", JobsChannel),
		zap.String("run_id", event.RunID),
		zap.String("template_id", event.TemplateID),
		zap.String("state", string(event.State)))
	return nil
}

// RunStates returns the latest event of every template of a run, keyed by
// template id. An unknown or expired run yields an empty map.
func (c *Client) RunStates(ctx context.Context, runID string) (map[string]pipeline.JobEvent, error) {
	raw, err := c.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	states := make(map[string]pipeline.JobEvent, len(raw))
	for templateID, body := range raw {
		var event pipeline.JobEvent
		if err := json.Unmarshal([]byte(body), &event); err != nil {
			c.logger.Warn("Skipping malformed job event",
				zap.String("run_id", runID),
				zap.String("template_id", templateID),
				zap.Error(err))
			continue
		}
		states[templateID] = event
	}
	return states, nil
}

// IsHealthy checks if Redis connection is healthy
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}
