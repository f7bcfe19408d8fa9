package session

import (
	"github.com/felixgeelhaar/statekit"
	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// State is the lifecycle state of a session.
//
//	CREATING -> ACTIVE -> TERMINATING -> RELEASED
//	CREATING -> TERMINATING            (creation aborted)
type State string

const (
	StateCreating    State = "CREATING"
	StateActive      State = "ACTIVE"
	StateTerminating State = "TERMINATING"
	StateReleased    State = "RELEASED"
)

// ErrInvalidTransition is returned when a lifecycle event does not apply to
// the current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

const (
	eventActivate  statekit.EventType = "ACTIVATE"
	eventTerminate statekit.EventType = "TERMINATE"
	eventRelease   statekit.EventType = "RELEASE"
)

type lifecycleContext struct {
	key model.SessionKey
}

var lifecycleMachine *statekit.MachineConfig[*lifecycleContext]

func init() {
	machine, buildError := buildLifecycleMachine()
	if buildError != nil {
		panic(errors.Wrap(buildError, "build session lifecycle machine"))
	}
	lifecycleMachine = machine
}

func buildLifecycleMachine() (*statekit.MachineConfig[*lifecycleContext], error) {
	return statekit.NewMachine[*lifecycleContext]("session").
		WithInitial(statekit.StateID(StateCreating)).
		WithContext(&lifecycleContext{}).
		WithAction("logEntry", func(ctx **lifecycleContext, event statekit.Event) {
			logger.SessionLog.Debugf("session %s: lifecycle event %s", (*ctx).key, event.Type)
		}).
		State(statekit.StateID(StateCreating)).
		On(eventActivate).Target(statekit.StateID(StateActive)).
		On(eventTerminate).Target(statekit.StateID(StateTerminating)).
		Done().
		State(statekit.StateID(StateActive)).
		OnEntry("logEntry").
		On(eventTerminate).Target(statekit.StateID(StateTerminating)).
		Done().
		State(statekit.StateID(StateTerminating)).
		OnEntry("logEntry").
		On(eventRelease).Target(statekit.StateID(StateReleased)).
		Done().
		State(statekit.StateID(StateReleased)).
		Final().
		OnEntry("logEntry").
		Done().
		Build()
}

// fireLifecycleEvent restores the machine at from, sends event and returns the
// state it lands in. An event the machine does not handle in from leaves the
// state unchanged and is reported as ErrInvalidTransition.
func fireLifecycleEvent(key model.SessionKey, from State, event statekit.EventType) (State, error) {
	interpreter := statekit.NewInterpreter(lifecycleMachine)
	interpreter.Start()
	if restoreError := interpreter.Restore(statekit.Snapshot[*lifecycleContext]{
		MachineID:    "session",
		CurrentState: statekit.StateID(from),
		Context:      &lifecycleContext{key: key},
	}); restoreError != nil {
		return from, errors.Wrapf(restoreError, "%s: restore lifecycle at %s", key, from)
	}

	interpreter.Send(statekit.Event{Type: event})
	landed := State(interpreter.State().Value)
	if landed == from {
		return from, errors.Wrapf(ErrInvalidTransition, "%s: %s not handled in %s", key, event, from)
	}
	return landed, nil
}
