// Package annotation holds the session-wide fall label that an operator
// toggles while a recording runs. The decode path reads it for every sample,
// so reads take a shared lock and never allocate.
package annotation

import (
	"fmt"
	"sync"
	"time"
)

// Labels an operator can apply. The zero state of a session is LabelDefault.
const (
	LabelDefault = "default"
	LabelStart   = "Start"
	LabelStop    = "Stop"
)

// State is a concurrently accessed holder for the current fall label. Only
// the latest value matters; there is no history and no undo.
type State struct {
	mu      sync.RWMutex
	label   string
	updated time.Time
}

// NewState returns a State carrying LabelDefault.
func NewState() *State {
	return &State{label: LabelDefault, updated: time.Now()}
}

// Get returns the current label.
func (s *State) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.label
}

// UpdatedAt reports when the label last changed.
func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Set replaces the current label. Labels outside the known set are rejected
// so a typo in an API call cannot pollute a recording.
func (s *State) Set(label string) error {
	switch label {
	case LabelDefault, LabelStart, LabelStop:
	default:
		return fmt.Errorf("unknown fall label %q", label)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
	s.updated = time.Now()
	return nil
}

// Reset returns the label to LabelDefault.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = LabelDefault
	s.updated = time.Now()
}
