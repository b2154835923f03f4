package registry

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("registry: invalid lifecycle transition")
	ErrInvalidFill       = errors.New("registry: invalid fill quantity")
)

// transitions is the allowed lifecycle graph. CLOSED is terminal. Note the
// one deliberate asymmetry: OPEN_UNPROTECTED never goes to PARTIALLY_CLOSING,
// because unprotected positions are locked against trims.
var transitions = map[domain.LifecycleState][]domain.LifecycleState{
	domain.StatePendingEntry: {
		domain.StateOpenUnprotected,
		domain.StateClosed, // entry rejected or cancelled before any fill
	},
	domain.StateOpenUnprotected: {
		domain.StateOpenProtected,
		domain.StateClosed, // stop-less force close or external close
	},
	domain.StateOpenProtected: {
		domain.StateOpenUnprotected, // stop lost on venue, needs healing
		domain.StatePartiallyClosing,
		domain.StateClosed,
	},
	domain.StatePartiallyClosing: {
		domain.StateOpenProtected,
		domain.StateOpenUnprotected, // stop consumed by the trim fill
		domain.StateClosed,
	},
	domain.StateClosed: {},
}

func canTransition(from, to domain.LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(p *domain.Position, to domain.LifecycleState) error {
	if p.State == to {
		return nil
	}
	if !canTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, p.State, to, p.Symbol)
	}
	p.State = to
	return nil
}
