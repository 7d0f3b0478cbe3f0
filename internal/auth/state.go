package auth

// State is the lifecycle phase of a login session.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateTimeout State = "timeout"
	StateError   State = "error"
)

// Event is an input to the session state machine.
type Event string

const (
	eventStart        Event = "start"
	eventCookiesFound Event = "cookies_found"
	eventDeadline     Event = "deadline"
	eventFailure      Event = "failure"
	eventStop         Event = "stop"
)

// next is the complete transition function for the login session. It is
// pure: all side effects (browser teardown, cookie merge, timers) hang
// off the transitions the session manager observes, never off this
// function. Unlisted combinations keep the current state.
func next(s State, e Event) State {
	// stop resets from any state.
	if e == eventStop {
		return StateIdle
	}
	switch s {
	case StateIdle, StateSuccess, StateTimeout, StateError:
		if e == eventStart {
			return StateRunning
		}
	case StateRunning:
		switch e {
		case eventCookiesFound:
			return StateSuccess
		case eventDeadline:
			return StateTimeout
		case eventFailure:
			return StateError
		}
	}
	return s
}
