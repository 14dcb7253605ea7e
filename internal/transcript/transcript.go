package transcript

import (
	"iter"
	"sync"
)

// Role attributes a turn to one of the three speakers.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Turn is one utterance in arrival order. Seq is assigned on append and is
// strictly increasing; duplicate deliveries from the upstream socket are
// recorded as-is, never collapsed.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
	Seq  int    `json:"seq"`
}

// Log is the append-only transcript for a single session. It starts empty,
// is fed by relay transcript events and orchestrator system notices, and is
// discarded with the session.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewLog() *Log {
	return &Log{}
}

// Append records a turn and returns it with its assigned sequence index.
func (l *Log) Append(role Role, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := Turn{Role: role, Text: text, Seq: len(l.turns)}
	l.turns = append(l.turns, t)
	return t
}

// Len reports the number of recorded turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Snapshot returns a copy of the current ordered turns.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Turns yields the turns recorded at the time of the call, from the top.
// The sequence is restartable; each range starts over.
func (l *Log) Turns() iter.Seq[Turn] {
	snap := l.Snapshot()
	return func(yield func(Turn) bool) {
		for _, t := range snap {
			if !yield(t) {
				return
			}
		}
	}
}
