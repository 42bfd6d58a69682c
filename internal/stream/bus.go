package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-booking-engine/internal/config"
	"github.com/hackgods/clinic-booking-engine/internal/logging"
)

// Bus is an ordered chain of log backends. Publish lands on the first
// backend that accepts the entry; RangeAfter walks the chain until one read
// succeeds. The chain is fixed at startup by Select.
type Bus struct {
	backends []Log
	logger   *logging.Logger
}

func NewBus(logger *logging.Logger, backends ...Log) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{backends: backends, logger: logger}
}

// Select probes capabilities once and builds the backend chain:
// Redis when reachable, then the file log and the memory log in
// development. Production never falls back to the local backends; without
// Redis it gets an empty chain and publishes become logged no-ops.
func Select(cfg config.Config, rdb *redis.Client, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}

	var backends []Log

	if rdb != nil {
		probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(probeCtx).Err()
		cancel()
		if err == nil {
			backends = append(backends, NewRedisLog(rdb, cfg.EventRetention))
		} else {
			logger.Warn("redis stream backend unavailable", "error", err)
		}
	}

	if cfg.IsProd() {
		if len(backends) == 0 {
			logger.Error("no durable stream backend in production, events will be dropped")
		}
		return NewBus(logger, backends...)
	}

	if fl, err := NewFileLog(cfg.StreamDataDir, cfg.EventRetention); err == nil {
		backends = append(backends, fl)
	} else {
		logger.Warn("file stream backend unavailable", "error", err, "dir", cfg.StreamDataDir)
	}

	backends = append(backends, NewMemoryLog(cfg.EventRetention))

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	logger.Info("stream backends selected", "chain", strings.Join(names, ","))

	return NewBus(logger, backends...)
}

var ErrNoBackend = errors.New("no stream backend available")

// Publish appends to the first backend that accepts the entry. It returns
// the assigned ID for tests; callers on the booking path go through
// Publisher and never see errors.
func (b *Bus) Publish(ctx context.Context, subject, eventType string, payload []byte) (string, error) {
	var lastErr error
	for _, backend := range b.backends {
		id, err := backend.Publish(ctx, subject, eventType, payload)
		if err == nil {
			return id, nil
		}
		lastErr = err
		b.logger.Warn("stream publish failed",
			"backend", backend.Name(),
			"category", Categorize(err),
			"subject", subject,
			"type", eventType,
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = ErrNoBackend
	}
	return "", lastErr
}

// RangeAfter reads from the first backend that answers. A backend that
// errors is skipped for this call only; the chain itself never changes.
func (b *Bus) RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]Event, error) {
	var lastErr error
	for _, backend := range b.backends {
		events, err := backend.RangeAfter(ctx, subject, afterID, limit)
		if err == nil {
			return events, nil
		}
		lastErr = err
		b.logger.Warn("stream read failed",
			"backend", backend.Name(),
			"category", Categorize(err),
			"subject", subject,
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = ErrNoBackend
	}
	return nil, lastErr
}

// Categorize buckets a publish/read failure for log filtering.
func Categorize(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case isRateLimit(err):
		return "rate_limited"
	case errors.Is(err, ErrNoBackend):
		return "unavailable"
	default:
		return "backend"
	}
}

func isRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "OOM") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "max requests")
}
