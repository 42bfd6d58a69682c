package stream

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogPublishAndRange(t *testing.T) {
	l, err := NewFileLog(t.TempDir(), 256)
	require.NoError(t, err)
	ctx := context.Background()
	subject := Subject("dev", KindDoctor, "d1")

	id1, err := l.Publish(ctx, subject, "appointment.created", []byte(`{"n":1}`))
	require.NoError(t, err)
	id2, err := l.Publish(ctx, subject, "appointment.cancelled", []byte(`{"n":2}`))
	require.NoError(t, err)

	events, err := l.RangeAfter(ctx, subject, CursorStart, 64)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, id1, events[0].ID)
	assert.Equal(t, id2, events[1].ID)
	assert.Equal(t, subject, events[0].Subject)

	tail, err := l.RangeAfter(ctx, subject, id1, 64)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, id2, tail[0].ID)
}

func TestFileLogSharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	subject := Subject("dev", KindPatient, "p1")

	writer, err := NewFileLog(dir, 256)
	require.NoError(t, err)
	id, err := writer.Publish(ctx, subject, "appointment.created", []byte(`{}`))
	require.NoError(t, err)

	// A second process opening the same directory sees the entry.
	reader, err := NewFileLog(dir, 256)
	require.NoError(t, err)
	events, err := reader.RangeAfter(ctx, subject, CursorStart, 64)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}

func TestFileLogSkipsTornLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir, 256)
	require.NoError(t, err)
	ctx := context.Background()
	subject := Subject("dev", KindDoctor, "d1")

	id, err := l.Publish(ctx, subject, "appointment.created", []byte(`{}`))
	require.NoError(t, err)

	// Simulate a torn append from a crashed writer.
	f, err := os.OpenFile(l.path(subject), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"subject":"` + subject + `","id":"99`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.RangeAfter(ctx, subject, CursorStart, 64)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}

func TestFileLogCompaction(t *testing.T) {
	dir := t.TempDir()
	retention := 8
	l, err := NewFileLog(dir, retention)
	require.NoError(t, err)
	ctx := context.Background()
	subject := Subject("dev", KindDoctor, "d1")

	total := retention*2 + 5
	for i := 0; i < total; i++ {
		_, err := l.Publish(ctx, subject, "tick", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	events, err := l.RangeAfter(ctx, subject, CursorStart, int64(total))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), retention*2)
	assert.GreaterOrEqual(t, len(events), retention)

	// The newest entry always survives compaction.
	assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, total-1), string(events[len(events)-1].Payload))
}

func TestFileLogUnknownSubject(t *testing.T) {
	l, err := NewFileLog(t.TempDir(), 256)
	require.NoError(t, err)

	events, err := l.RangeAfter(context.Background(), Subject("dev", KindDoctor, "nobody"), CursorStart, 64)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNewFileLogUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := NewFileLog(dir, 256)
	assert.Error(t, err)
}
