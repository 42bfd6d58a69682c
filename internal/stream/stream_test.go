package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	ms, seq, err := ParseID("1733779200000-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1733779200000), ms)
	assert.Equal(t, int64(3), seq)

	for _, bad := range []string{"", "123", "abc-1", "1-abc", "-", "1-2-3"} {
		_, _, err := ParseID(bad)
		assert.Error(t, err, "id %q", bad)
	}
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, 0, CompareIDs("5-1", "5-1"))
	assert.Equal(t, -1, CompareIDs("5-1", "5-2"))
	assert.Equal(t, -1, CompareIDs("5-9", "6-0"))
	assert.Equal(t, 1, CompareIDs("6-0", "5-9"))

	// Malformed IDs sort before anything parseable.
	assert.Equal(t, -1, CompareIDs("junk", "0-0"))
	assert.Equal(t, 1, CompareIDs("0-0", "junk"))
}

func TestIDGenMonotonic(t *testing.T) {
	var g idGen
	now := time.Now()

	prev := g.Next(now)
	for i := 0; i < 1000; i++ {
		// The clock standing still, or even going backwards, must not
		// produce a duplicate or out-of-order ID.
		next := g.Next(now.Add(-time.Duration(i) * time.Millisecond))
		assert.Equal(t, -1, CompareIDs(prev, next), "%s then %s", prev, next)
		prev = next
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "stream:dev:doctor:abc", Subject("dev", KindDoctor, "abc"))
	assert.Equal(t, "stream:production:patient:xyz", Subject("production", KindPatient, "xyz"))
}
