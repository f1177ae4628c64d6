package pipeline

import "fmt"

// State is the pipeline state
type State int32

const (
	StateUninitialized State = iota
	StateIdle
	StatePlaying
	StateRecording
	StateDuplex
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateRecording:
		return "recording"
	case StateDuplex:
		return "duplex"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsPlaying reports whether playback is being drained in this state.
func (s State) IsPlaying() bool {
	return s == StatePlaying || s == StateDuplex
}

// IsRecording reports whether the state includes recording.
func (s State) IsRecording() bool {
	return s == StateRecording || s == StateDuplex
}

func (s State) withPlaying(on bool) State {
	switch {
	case on && s == StateRecording:
		return StateDuplex
	case on && (s == StateIdle || s == StatePlaying || s == StateDuplex):
		return s.promote(StatePlaying)
	case !on && s == StateDuplex:
		return StateRecording
	case !on && s == StatePlaying:
		return StateIdle
	}
	return s
}

func (s State) withRecording(on bool) State {
	switch {
	case on && s == StatePlaying:
		return StateDuplex
	case on && (s == StateIdle || s == StateRecording || s == StateDuplex):
		return s.promote(StateRecording)
	case !on && s == StateDuplex:
		return StatePlaying
	case !on && s == StateRecording:
		return StateIdle
	}
	return s
}

// promote moves Idle to target and leaves active states alone.
func (s State) promote(target State) State {
	if s == StateIdle {
		return target
	}
	return s
}
