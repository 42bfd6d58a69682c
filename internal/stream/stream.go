// Package stream is the append-only per-subject event log behind the
// real-time delivery channels. Three interchangeable backends exist: a
// durable Redis Streams log, a file-backed log shared across local
// processes, and an in-process memory log. IDs follow the Redis stream
// format, millisecond-timestamp dash sequence, so cursors work identically
// against every backend.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CursorStart is the cursor that replays a subject from its oldest
// retained entry.
const CursorStart = "0-0"

// Event is one entry in a subject's log.
type Event struct {
	Subject     string          `json:"subject"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Log is an append-only, bounded, per-subject event log.
type Log interface {
	// Publish appends an entry and returns its ID.
	Publish(ctx context.Context, subject, eventType string, payload []byte) (string, error)
	// RangeAfter returns entries with ID strictly greater than afterID,
	// oldest first, at most limit.
	RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]Event, error)
	// Name identifies the backend in logs.
	Name() string
}

// Subject builds a namespaced subject key so deployments sharing
// infrastructure never cross streams.
func Subject(env, kind, id string) string {
	return fmt.Sprintf("stream:%s:%s:%s", env, kind, id)
}

const (
	KindDoctor  = "doctor"
	KindPatient = "patient"
)

// ParseID splits an "ms-seq" event ID.
func ParseID(id string) (ms, seq int64, err error) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		return 0, 0, fmt.Errorf("malformed event id %q", id)
	}
	ms, err = strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed event id %q", id)
	}
	seq, err = strconv.ParseInt(id[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed event id %q", id)
	}
	return ms, seq, nil
}

// CompareIDs orders two event IDs; malformed IDs sort first.
func CompareIDs(a, b string) int {
	ams, aseq, aerr := ParseID(a)
	bms, bseq, berr := ParseID(b)
	if aerr != nil || berr != nil {
		if aerr != nil && berr != nil {
			return 0
		}
		if aerr != nil {
			return -1
		}
		return 1
	}
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

// idGen issues monotonically increasing ms-seq IDs for the local backends.
type idGen struct {
	mu      sync.Mutex
	lastMS  int64
	lastSeq int64
}

func (g *idGen) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := now.UnixMilli()
	if ms < g.lastMS {
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.lastSeq++
	} else {
		g.lastMS = ms
		g.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", g.lastMS, g.lastSeq)
}
