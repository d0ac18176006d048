package sync

import "fmt"

// ActionState is the executor state of one action.
type ActionState int

const (
	StatePending ActionState = iota
	StateArchiving
	StateInFlight
	StateVerifying
	StateCommitted
	StateFailed
)

var stateNames = [...]string{"pending", "archiving", "in_flight", "verifying", "committed", "failed"}

func (s ActionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s ActionState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

func (s ActionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ActionState) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = ActionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown action state: %q", b)
}

// Event drives an action from one state to the next.
type Event int

const (
	EventBegin    Event = iota // action picked up
	EventArchived              // every archive copy is durable
	EventWritten               // bytes staged, or the path removed
	EventVerified              // staged bytes match the source
	EventFail
)

// Step describes the shape of an action for the transition function.
type Step struct {
	Archive bool // archive before mutating
	Verify  bool // strong-digest check before commit
}

// StepFor derives the transition shape of a.
func StepFor(a SyncAction, verify bool) Step {
	copies := a.Kind == ActionCopy || a.Kind == ActionArchiveThenOverwrite
	return Step{Archive: a.Archives(), Verify: verify && copies}
}

// Transition returns the state reached from `from` on ev.
//
//	Pending   -Begin->    Archiving (archive) | InFlight
//	Archiving -Archived-> InFlight
//	InFlight  -Written->  Verifying (verify) | Committed
//	Verifying -Verified-> Committed
//	any non-terminal -Fail-> Failed
func Transition(from ActionState, ev Event, step Step) (ActionState, error) {
	if from.Terminal() {
		return from, fmt.Errorf("no transition from terminal state %s", from)
	}
	if ev == EventFail {
		return StateFailed, nil
	}
	switch {
	case from == StatePending && ev == EventBegin:
		if step.Archive {
			return StateArchiving, nil
		}
		return StateInFlight, nil
	case from == StateArchiving && ev == EventArchived:
		return StateInFlight, nil
	case from == StateInFlight && ev == EventWritten:
		if step.Verify {
			return StateVerifying, nil
		}
		return StateCommitted, nil
	case from == StateVerifying && ev == EventVerified:
		return StateCommitted, nil
	}
	return from, fmt.Errorf("invalid event %d in state %s", ev, from)
}

// machine tracks one action's state and the trace of states visited.
type machine struct {
	step  Step
	state ActionState
	trace []ActionState
}

func newMachine(step Step) *machine {
	return &machine{step: step, state: StatePending, trace: []ActionState{StatePending}}
}

func (m *machine) fire(ev Event) error {
	next, err := Transition(m.state, ev, m.step)
	if err != nil {
		return err
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}
