package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by ScriptedSource on the reads it is told to fail.
var ErrInjected = errors.New("injected read failure")

// ScriptedSource is a host.Source that returns fixed readings and fails on
// chosen call numbers (1-based).
type ScriptedSource struct {
	mu       sync.Mutex
	readings map[string]any
	failOn   map[int]bool
	calls    int
	// OnRead, if set, is called after every read with the call number.
	OnRead func(call int)
}

// NewScriptedSource returns a source that always reports readings.
func NewScriptedSource(readings map[string]any) *ScriptedSource {
	return &ScriptedSource{readings: readings, failOn: map[int]bool{}}
}

// FailOn makes the given calls return ErrInjected.
func (s *ScriptedSource) FailOn(calls ...int) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range calls {
		s.failOn[c] = true
	}
	return s
}

// Read implements host.Source.
func (s *ScriptedSource) Read(_ context.Context, names []string) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fail := s.failOn[call]
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := s.readings[n]; ok {
			out[n] = v
		}
	}
	hook := s.OnRead
	s.mu.Unlock()

	if hook != nil {
		defer hook(call)
	}
	if fail {
		return nil, ErrInjected
	}
	return out, nil
}

// Calls returns how many reads have been made.
func (s *ScriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
