package uow

import (
	"errors"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

var (
	ErrAlreadyActive = errors.New("unit of work already active")
	ErrNotActive     = errors.New("unit of work not active")
)

type State int

const (
	Inactive State = iota
	Active
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return "inactive"
	}
}

// Scope is the state machine shared by unit of work implementations:
// inactive -> active -> committed | rolled-back. A finished scope may be
// opened again, which starts from a fresh tracking repository.
type Scope struct {
	state   State
	tracker *TrackingRepository
}

func (s *Scope) State() State {
	return s.state
}

// Open activates the scope over repo.
func (s *Scope) Open(repo port.ProductRepository) error {
	if s.state == Active {
		return ErrAlreadyActive
	}
	s.tracker = NewTrackingRepository(repo)
	s.state = Active
	return nil
}

// Products returns the tracking repository of the current scope.
func (s *Scope) Products() port.ProductRepository {
	if s.tracker == nil {
		return nil
	}
	return s.tracker
}

// Seen lists the products touched in the current scope.
func (s *Scope) Seen() []*domain.Product {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Seen()
}

// RequireActive fails unless the scope is active.
func (s *Scope) RequireActive() error {
	if s.state != Active {
		return ErrNotActive
	}
	return nil
}

func (s *Scope) MarkCommitted() {
	s.state = Committed
}

// MarkRolledBack ends the scope and reports whether it was still active,
// i.e. whether the caller has anything to roll back.
func (s *Scope) MarkRolledBack() bool {
	if s.state != Active {
		return false
	}
	s.state = RolledBack
	return true
}

// Collect drains the messages of every seen product, in first-seen order.
// Messages are only released once the scope has committed.
func (s *Scope) Collect() []domain.Message {
	if s.state != Committed {
		return nil
	}
	var out []domain.Message
	for _, p := range s.Seen() {
		out = append(out, p.DrainMessages()...)
	}
	return out
}
