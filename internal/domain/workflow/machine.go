package workflow

import (
	"context"
	"fmt"
)

// StateMachine tracks the current state and validates transitions
type StateMachine interface {
	// State returns the current state
	State() State

	// CanFire returns true if the action is configured for the current state.
	// Guards are not evaluated.
	CanFire(action Action) bool

	// Target returns the state the action would lead to without firing it
	Target(ctx context.Context, action Action) (State, error)

	// Fire executes the action, moving to the new state if allowed
	Fire(ctx context.Context, action Action) error

	// PermittedActions returns the configured actor actions for the current state
	PermittedActions() []Action
}

type stateMachine struct {
	currentState   State
	configurations map[State]*stateConfig
}

// State returns the current state
func (m *stateMachine) State() State {
	return m.currentState
}

// CanFire returns true if the action is configured for the current state
func (m *stateMachine) CanFire(action Action) bool {
	config, exists := m.configurations[m.currentState]
	if !exists {
		return false
	}

	return len(config.transitions[action]) > 0
}

// Target resolves the destination of an action from the current state
func (m *stateMachine) Target(ctx context.Context, action Action) (State, error) {
	config, exists := m.configurations[m.currentState]
	if !exists {
		return "", fmt.Errorf("%w: cannot %s from %s (no configuration)", ErrInvalidTransition, action, m.currentState)
	}

	transitions := config.transitions[action]
	if len(transitions) == 0 {
		return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, m.currentState)
	}

	for _, t := range transitions {
		if t.guard == nil || t.guard(ctx) {
			return t.toState, nil
		}
	}

	return "", fmt.Errorf("%w: %s from %s", ErrGuardFailed, action, m.currentState)
}

// Fire executes the action, moving to the new state if allowed
func (m *stateMachine) Fire(ctx context.Context, action Action) error {
	next, err := m.Target(ctx, action)
	if err != nil {
		return err
	}
	m.currentState = next
	return nil
}

// PermittedActions returns the configured actor actions for the current state,
// ordered like ActorActions.
func (m *stateMachine) PermittedActions() []Action {
	config, exists := m.configurations[m.currentState]
	if !exists {
		return []Action{}
	}

	actions := make([]Action, 0, len(config.transitions))
	for _, action := range ActorActions {
		if len(config.transitions[action]) > 0 {
			actions = append(actions, action)
		}
	}

	return actions
}
