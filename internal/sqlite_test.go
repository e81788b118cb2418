package internal

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFieldsStampWidth(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base.Add(500 * time.Millisecond),
		base.Add(50 * time.Millisecond),
		base.Add(time.Second), // whole second, no fraction to trim
		base.Add(5 * time.Millisecond),
	}

	var rendered []string
	for _, now := range stamps {
		s := &SQLiteStore{now: func() time.Time { return now }}
		out := s.resolveFields(map[string]any{"lastSyncAt": ServerTimestamp}, nil)

		stamp, ok := out["lastSyncAt"].(string)
		require.True(t, ok)
		assert.Len(t, stamp, len(_stampLayout))

		// Round-trips through the same parsing the resources use.
		parsed, ok := asTime(stamp)
		require.True(t, ok)
		assert.True(t, parsed.Equal(now))

		rendered = append(rendered, stamp)
	}

	// ScanOrdered compares these as strings, so lexical order must be
	// chronological order.
	sorted := append([]string(nil), rendered...)
	sort.Strings(sorted)
	assert.Equal(t, []string{rendered[3], rendered[1], rendered[0], rendered[2]}, sorted)
}

func TestResolveFieldsIncrement(t *testing.T) {
	t.Parallel()

	s := &SQLiteStore{now: time.Now}

	out := s.resolveFields(map[string]any{"views": Inc(3)}, map[string]any{"views": int64(4)})
	assert.Equal(t, int64(7), out["views"])

	// Missing previous field counts from zero.
	out = s.resolveFields(map[string]any{"likes": Inc(1)}, nil)
	assert.Equal(t, int64(1), out["likes"])
}
