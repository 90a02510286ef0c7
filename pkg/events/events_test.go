package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	l, err := NewLog(8, "", zerolog.Nop())
	require.NoError(t, err)

	ev := l.Record(Event{FromPhase: "Healthy", ToPhase: "Degraded", Reason: "local read failed", Outcome: OutcomeRetry})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	l, err := NewLog(4, "", zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		l.Record(Event{Reason: fmt.Sprintf("event-%d", i), Outcome: OutcomeSuccess})
	}

	recent := l.Recent(0)
	require.Len(t, recent, 4, "ring should cap at its size")
	assert.Equal(t, "event-5", recent[0].Reason)
	assert.Equal(t, "event-2", recent[3].Reason)

	two := l.Recent(2)
	require.Len(t, two, 2)
	assert.Equal(t, "event-5", two[0].Reason)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failover-events.log")
	l, err := NewLog(8, path, zerolog.Nop())
	require.NoError(t, err)

	l.Record(Event{FromPhase: "FailoverPending", ToPhase: "FailoverInProgress", Reason: "promoting", Outcome: OutcomeSuccess})
	l.Record(Event{Binding: "rt-main", Target: "gw-a", Reason: "route updated", Outcome: OutcomeSuccess})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "promoting", lines[0].Reason)
	assert.Equal(t, "rt-main", lines[1].Binding)
}
