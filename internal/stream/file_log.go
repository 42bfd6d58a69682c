package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileLog keeps one JSON-lines file per subject under a shared directory,
// so several local processes (API server, sweep worker, a second dev
// server) see each other's events without Redis. Appends rely on O_APPEND
// write atomicity for line-sized payloads; retention is enforced by
// rewrite-and-rename compaction once a file grows past twice the bound.
type FileLog struct {
	dir       string
	retention int
	ids       idGen
}

func NewFileLog(dir string, retention int) (*FileLog, error) {
	if retention <= 0 {
		retention = 256
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir: %w", err)
	}

	// Probe writability up front; selection happens once at startup.
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("stream dir not writable: %w", err)
	}
	_ = os.Remove(probe)

	return &FileLog{dir: dir, retention: retention}, nil
}

func (l *FileLog) Name() string { return "file" }

func (l *FileLog) path(subject string) string {
	name := strings.ReplaceAll(subject, ":", "_") + ".log"
	return filepath.Join(l.dir, name)
}

func (l *FileLog) Publish(ctx context.Context, subject, eventType string, payload []byte) (string, error) {
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

	line, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path(subject), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open subject log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("append subject log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close subject log: %w", err)
	}

	l.maybeCompact(subject)
	return ev.ID, nil
}

func (l *FileLog) RangeAfter(ctx context.Context, subject, afterID string, limit int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events, err := l.readAll(subject)
	if err != nil {
		return nil, err
	}

	if afterID == "" {
		afterID = CursorStart
	}

	var out []Event
	for _, ev := range events {
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

// readAll parses the subject file, skipping torn or foreign lines, and
// returns entries in ID order. Writers in separate processes each run their
// own ID generator, so interleaved appends are not guaranteed sorted on disk.
func (l *FileLog) readAll(subject string) ([]Event, error) {
	f, err := os.Open(l.path(subject))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open subject log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.ID == "" {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read subject log: %w", err)
	}

	sort.Slice(events, func(i, j int) bool {
		return CompareIDs(events[i].ID, events[j].ID) < 0
	})
	return events, nil
}

func (l *FileLog) maybeCompact(subject string) {
	events, err := l.readAll(subject)
	if err != nil || len(events) <= l.retention*2 {
		return
	}

	keep := events[len(events)-l.retention:]
	tmp := l.path(subject) + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	for _, ev := range keep {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return
	}

	// Best effort: a concurrent append between read and rename is lost from
	// the tail, which the retention bound already permits.
	_ = os.Rename(tmp, l.path(subject))
}
