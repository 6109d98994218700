package strategy

import (
	"sync"

	"tradegrid/internal/model"
)

// Stub replays a scripted queue of actions, one batch per Calc call. It
// exists for tests and dry runs of the platform wiring.
type Stub struct {
	name string

	mu      sync.Mutex
	pending [][]Action
	loaded  []model.ContextInfo
}

func NewStub(name string) *Stub {
	if name == "" {
		name = "stub"
	}
	return &Stub{name: name}
}

// Queue schedules one batch of actions for a future Calc call.
func (s *Stub) Queue(actions ...Action) {
	s.mu.Lock()
	s.pending = append(s.pending, actions)
	s.mu.Unlock()
}

// Loaded returns every context snapshot handed to LoadData so far.
func (s *Stub) Loaded() []model.ContextInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ContextInfo, len(s.loaded))
	copy(out, s.loaded)
	return out
}

func (s *Stub) Name() string { return s.name }

func (s *Stub) Start() error { return nil }

func (s *Stub) LoadData(info model.ContextInfo) error {
	s.mu.Lock()
	s.loaded = append(s.loaded, info)
	s.mu.Unlock()
	return nil
}

func (s *Stub) Calc() ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	return batch, nil
}

func (s *Stub) ClearData() error {
	s.mu.Lock()
	s.pending = nil
	s.loaded = nil
	s.mu.Unlock()
	return nil
}

func (s *Stub) Finish() error { return s.ClearData() }
