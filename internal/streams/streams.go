// Package streams publishes dashboards and detected movements to Redis Streams
// for downstream consumers.
package streams

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
)

// Stream key format: {prefix}.dashboard.{prop_type} and {prefix}.movements
const (
	dashboardStream = "%s.dashboard.%s"
	movementStream  = "%s.movements"
)

// Publisher writes JSON payloads to Redis Streams
type Publisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewPublisher creates a stream publisher. maxLen caps each stream
// approximately; zero leaves streams uncapped.
func NewPublisher(client *redis.Client, prefix string, maxLen int64) *Publisher {
	if prefix == "" {
		prefix = "linewatch"
	}
	return &Publisher{client: client, prefix: prefix, maxLen: maxLen}
}

// DashboardStream returns the stream a scope's dashboards are written to.
func (p *Publisher) DashboardStream(scope dashboard.Scope) string {
	return fmt.Sprintf(dashboardStream, p.prefix, scope.PropType.Label())
}

// MovementStream returns the stream detected movements are written to.
func (p *Publisher) MovementStream() string {
	return fmt.Sprintf(movementStream, p.prefix)
}

// OnDashboardChanged publishes the dashboard to its scope's stream.
func (p *Publisher) OnDashboardChanged(ctx context.Context, d *dashboard.Dashboard) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("error marshaling dashboard: %w", err)
	}
	return p.add(ctx, p.DashboardStream(d.Scope), map[string]interface{}{
		"data":       string(data),
		"scope":      d.Scope.String(),
		"total":      d.Total,
		"hours_back": d.Scope.HoursBack,
	})
}

// PublishMovement publishes a newly detected movement.
func (p *Publisher) PublishMovement(ctx context.Context, m *models.Movement) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling movement: %w", err)
	}
	return p.add(ctx, p.MovementStream(), map[string]interface{}{
		"data":        string(data),
		"movement_id": m.ID,
		"prop_type":   m.PropType.Label(),
	})
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) add(ctx context.Context, stream string, values map[string]interface{}) error {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("error publishing to stream %s: %w", stream, err)
	}
	logger.Debug("Published %s to stream %s", id, stream)
	return nil
}
