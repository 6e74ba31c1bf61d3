package engine

import (
	"fmt"
	"sync"
)

// Phase is the lifecycle phase of the engine.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseStarted
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarted:
		return "started"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// lifecycle guards the NotStarted -> Started -> Stopped transitions.
type lifecycle struct {
	mu    sync.RWMutex
	phase Phase
}

// begin moves NotStarted to Started.
func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.phase {
	case PhaseNotStarted:
		l.phase = PhaseStarted
		return nil
	case PhaseStarted:
		return fmt.Errorf("engine already started")
	default:
		return ErrStopped
	}
}

// end moves any phase to Stopped. It reports whether the engine was running.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	wasStarted := l.phase == PhaseStarted
	l.phase = PhaseStopped

	return wasStarted
}

// check returns nil only while Started.
func (l *lifecycle) check() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.phase {
	case PhaseStarted:
		return nil
	case PhaseNotStarted:
		return ErrNotStarted
	default:
		return ErrStopped
	}
}

// current returns the phase.
func (l *lifecycle) current() Phase {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.phase
}
