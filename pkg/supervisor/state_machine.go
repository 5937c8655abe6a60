package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"

	"github.com/jonboulle/clockwork"
)

// State is the supervisor's view of the worker lifecycle
type State string

const (
	// StateIdle is the initial state before the first fork
	StateIdle State = "idle"

	// StateStarting means a fork is in progress or pending after a crash
	StateStarting State = "starting"

	// StateRunning means a worker is alive
	StateRunning State = "running"

	// StateStopping means the worker was asked to terminate
	StateStopping State = "stopping"

	// StateStopped is terminal
	StateStopped State = "stopped"
)

// StateTransition records one state change
type StateTransition struct {
	From      State
	To        State
	Operation string
	Timestamp time.Time
	Error     error
}

// StateMachine validates supervisor state changes and keeps their history
type StateMachine struct {
	currentState     State
	transitions      []StateTransition
	validTransitions map[State][]State
	clock            clockwork.Clock
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewStateMachine(clock clockwork.Clock, logger logging.Logger) *StateMachine {
	sm := &StateMachine{
		currentState: StateIdle,
		transitions:  make([]StateTransition, 0),
		clock:        clock,
		logger:       logger,
	}

	sm.validTransitions = map[State][]State{
		StateIdle: {
			StateStarting, // Start
			StateStopped,  // Stop before start
		},
		StateStarting: {
			StateRunning,  // fork succeeded
			StateStopping, // Stop while a refork is pending
			StateStopped,  // fork failed
		},
		StateRunning: {
			StateStarting, // abnormal exit or requested restart
			StateStopping, // Stop
			StateStopped,  // clean exit or crash loop
		},
		StateStopping: {
			StateStopped, // worker exited
		},
		StateStopped: {},
	}

	return sm
}

// State returns the current state
func (sm *StateMachine) State() State {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *StateMachine) canTransition(to State) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition changes the state with validation
func (sm *StateMachine) Transition(to State, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", sm.currentState, to),
			nil,
		).WithContext("from_state", string(sm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := sm.currentState
	sm.transitions = append(sm.transitions, StateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: sm.clock.Now(),
		Error:     err,
	})
	sm.currentState = to

	if err != nil {
		sm.logger.Warnf("Supervisor state transition, %s->%s, operation: %s, error: %v", from, to, operation, err)
	} else {
		sm.logger.Infof("Supervisor state transition, %s->%s, operation: %s", from, to, operation)
	}
	return nil
}

func (sm *StateMachine) canTransitionUnsafe(to State) bool {
	for _, validState := range sm.validTransitions[sm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// History returns a copy of all transitions
func (sm *StateMachine) History() []StateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]StateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}
