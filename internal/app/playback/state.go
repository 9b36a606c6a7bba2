// Package playback provides the timeline playback state machine.
package playback

// State represents the playback state.
type State int

const (
	StateStopped State = iota // Playhead parked, no audio scheduled
	StatePlaying              // Segments scheduled, tracker running
	StatePaused               // Playhead frozen, no audio scheduled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}
