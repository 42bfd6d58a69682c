package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryLog is the single-process backend: a bounded ring per subject.
// Subjects idle beyond subjectTTL are evicted wholesale so a long-running
// dev server does not accumulate streams for every patient ever seen.
type MemoryLog struct {
	mu        sync.Mutex
	subjects  *gocache.Cache
	retention int
	ids       idGen
}

const (
	subjectTTL      = time.Hour
	cleanupInterval = 10 * time.Minute
)

func NewMemoryLog(retention int) *MemoryLog {
	if retention <= 0 {
		retention = 256
	}
	return &MemoryLog{
		subjects:  gocache.New(subjectTTL, cleanupInterval),
		retention: retention,
	}
}

func (l *MemoryLog) Name() string { return "memory" }

func (l *MemoryLog) Publish(ctx context.Context, subject, eventType string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ev := Event{
		Subject:     subject,
		ID:          l.ids.Next(time.Now()),
		Type:        eventType,
		Payload:     json.RawMessage(payload),
		PublishedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var ring []Event
	if cached, ok := l.subjects.Get(subject); ok {
		ring = cached.([]Event)
	}
	ring = append(ring, ev)
	if len(ring) > l.retention {
		ring = ring[len(ring)-l.retention:]
	}
	l.subjects.Set(subject, ring, gocache.DefaultExpiration)

	return ev.ID, nil
}

func (l *MemoryLog) RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if afterID == "" {
		afterID = CursorStart
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cached, ok := l.subjects.Get(subject)
	if !ok {
		return nil, nil
	}
	ring := cached.([]Event)

	var out []Event
	for _, ev := range ring {
		if CompareIDs(ev.ID, afterID) <= 0 {
			continue
		}
		out = append(out, ev)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
