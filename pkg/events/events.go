// Package events records failover events for operators and tests. Every phase
// transition and binding update lands here: in a bounded in-memory ring for
// the status surfaces, and optionally as append-only JSON lines in a file for
// whoever is tailing the log.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome classifies how an event ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFatal   Outcome = "fatal"
)

// Event is an immutable record of a phase transition or binding update.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	FromPhase string    `json:"from_phase,omitempty"`
	ToPhase   string    `json:"to_phase,omitempty"`
	Binding   string    `json:"binding,omitempty"`
	Target    string    `json:"target,omitempty"`
	Reason    string    `json:"reason"`
	Outcome   Outcome   `json:"outcome"`
}

// Log keeps the last ringSize events in memory and optionally appends each
// one to a file as a JSON line.
type Log struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	count  int
	file   *os.File
	logger zerolog.Logger
}

// NewLog creates an event log holding the last ringSize events. If filePath
// is non-empty, events are additionally appended there as JSON lines.
func NewLog(ringSize int, filePath string, logger zerolog.Logger) (*Log, error) {
	if ringSize <= 0 {
		ringSize = 64
	}
	l := &Log{
		ring:   make([]Event, ringSize),
		logger: logger.With().Str("component", "events").Logger(),
	}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log file: %w", err)
		}
		l.file = f
	}
	return l, nil
}

// Record stamps and stores the event. The ID and timestamp are assigned here
// so callers only describe what happened.
func (l *Log) Record(ev Event) Event {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	file := l.file
	l.mu.Unlock()

	l.logger.Info().
		Str("event_id", ev.ID).
		Str("from", ev.FromPhase).
		Str("to", ev.ToPhase).
		Str("binding", ev.Binding).
		Str("target", ev.Target).
		Str("outcome", string(ev.Outcome)).
		Msg(ev.Reason)

	if file != nil {
		data, err := json.Marshal(ev)
		if err == nil {
			l.mu.Lock()
			_, err = file.Write(append(data, '\n'))
			l.mu.Unlock()
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to append event to log file")
		}
	}
	return ev
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	idx := l.next - 1
	for len(out) < n {
		if idx < 0 {
			idx += len(l.ring)
		}
		out = append(out, l.ring[idx])
		idx--
	}
	return out
}

// Close closes the backing file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
