package session

import "time"

// State is the conversational state of a voice session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateIdle, StateListening, StateProcessing, StateSpeaking, StateInterrupted}
}

// validTransitions: self transitions re-announce a state; interrupted may only
// settle back to idle.
var validTransitions = map[State][]State{
	StateIdle:        {StateIdle, StateListening, StateProcessing, StateSpeaking},
	StateListening:   {StateListening, StateIdle, StateProcessing, StateSpeaking, StateInterrupted},
	StateProcessing:  {StateProcessing, StateIdle, StateListening, StateSpeaking, StateInterrupted},
	StateSpeaking:    {StateSpeaking, StateIdle, StateListening, StateProcessing, StateInterrupted},
	StateInterrupted: {StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Active reports whether a response or utterance is in progress.
func (s State) Active() bool {
	return s == StateListening || s == StateProcessing || s == StateSpeaking
}

// StateChange represents a state transition event.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Reason    string
	At        time.Time
}

// StateListener observes state changes. It runs under the session lock, in
// transition order, and must neither block nor call back into the session.
type StateListener func(StateChange)

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
