// Package testing provides utilities for testing hosts of the state machine:
// a Journal of hook events, a configurable RecordingState, a ConcurrencyProbe
// for run loops, and helpers to build machines and drain subscriptions.
package testing

import (
	"slices"
	"sync"
	"time"
)

// Event is one step in the life of an activation.
type Event string

const (
	EventEnter    Event = "enter"
	EventRunStart Event = "run_start"
	EventRunEnd   Event = "run_end"
	EventExit     Event = "exit"
)

// Entry is a single journaled event.
type Entry struct {
	State string
	Event Event
	At    time.Time
}

func (e Entry) String() string {
	return e.State + ":" + string(e.Event)
}

// Journal is an ordered, thread-safe log of hook events shared by the states
// of one test.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends an event.
func (j *Journal) Record(state string, event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, Entry{State: state, Event: event, At: time.Now()})
}

// Entries returns a copy of everything recorded so far.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.entries)
}

// Strings returns the entries formatted as "State:event".
func (j *Journal) Strings() []string {
	entries := j.Entries()
	out := make([]string, len(entries))

	for i, entry := range entries {
		out[i] = entry.String()
	}

	return out
}

// Count returns how many times state recorded event.
func (j *Journal) Count(state string, event Event) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0

	for _, entry := range j.entries {
		if entry.State == state && entry.Event == event {
			n++
		}
	}

	return n
}

// Index returns the position of the first matching entry, or -1.
func (j *Journal) Index(state string, event Event) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.IndexFunc(j.entries, func(entry Entry) bool {
		return entry.State == state && entry.Event == event
	})
}
