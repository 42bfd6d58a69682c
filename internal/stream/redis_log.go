package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog stores each subject as a Redis stream. XADD's MAXLEN keeps the
// ring-buffer retention bound; entry IDs come straight from Redis.
type RedisLog struct {
	client    *redis.Client
	retention int64
}

func NewRedisLog(client *redis.Client, retention int) *RedisLog {
	if retention <= 0 {
		retention = 256
	}
	return &RedisLog{
		client:    client,
		retention: int64(retention),
	}
}

func (l *RedisLog) Name() string { return "redis" }

func (l *RedisLog) Publish(ctx context.Context, subject, eventType string, payload []byte) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: subject,
		MaxLen: l.retention,
		Approx: true,
		Values: map[string]any{
			"type":         eventType,
			"payload":      string(payload),
			"published_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", subject, err)
	}
	return id, nil
}

func (l *RedisLog) RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]Event, error) {
	start := "-"
	if afterID != "" && afterID != CursorStart {
		// Exclusive range start, entries strictly greater than the cursor.
		start = "(" + afterID
	}

	msgs, err := l.client.XRangeN(ctx, subject, start, "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", subject, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, eventFromValues(subject, msg.ID, msg.Values))
	}
	return events, nil
}

func eventFromValues(subject, id string, values map[string]any) Event {
	ev := Event{Subject: subject, ID: id}
	if t, ok := values["type"].(string); ok {
		ev.Type = t
	}
	if p, ok := values["payload"].(string); ok {
		ev.Payload = json.RawMessage(p)
	}
	if ts, ok := values["published_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.PublishedAt = parsed
		}
	}
	return ev
}
