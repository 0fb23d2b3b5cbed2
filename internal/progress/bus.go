// Package progress holds the latest indexing status per (repo, branch)
// for pollers. Last write wins; there is no history.
package progress

import "sync"

// Step names one phase of an indexing run.
type Step string

const (
	StepParsing   Step = "parsing"
	StepEmbedding Step = "embedding"
	StepDone      Step = "done"
	StepError     Step = "error"
)

// Event is a point-in-time snapshot of an indexing run.
type Event struct {
	Step        Step   `json:"step"`
	File        string `json:"file,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Total       int    `json:"total,omitempty"`
	SymbolCount int    `json:"symbolCount,omitempty"`
	EdgeCount   int    `json:"edgeCount,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Terminal reports whether observers should stop polling after this
// event.
func (e Event) Terminal() bool {
	return e.Step == StepDone || e.Step == StepError
}

// Bus is a process-wide map of the most recent Event per (repo, branch).
type Bus struct {
	mu     sync.RWMutex
	latest map[string]Event
}

func NewBus() *Bus {
	return &Bus{latest: make(map[string]Event)}
}

// Set overwrites the latest event for the pair.
func (b *Bus) Set(repoID, branch string, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[repoID+":"+branch] = e
}

// Get returns the latest event for the pair, if any.
func (b *Bus) Get(repoID, branch string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.latest[repoID+":"+branch]
	return e, ok
}

// Clear drops the pair's entry, typically after a terminal event has
// been observed long enough.
func (b *Bus) Clear(repoID, branch string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, repoID+":"+branch)
}
