package playback

import "time"

// EventType represents a playback event type.
type EventType int

const (
	EventStateChanged    EventType = iota // Playback state changed
	EventSegmentsChanged                  // Segments were added, moved or removed
	EventPosition                         // Playhead advanced
	EventEnded                            // Playhead reached the end of the timeline
	EventScheduleFailed                   // One or more segments could not be scheduled
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state_changed"
	case EventSegmentsChanged:
		return "segments_changed"
	case EventPosition:
		return "position"
	case EventEnded:
		return "ended"
	case EventScheduleFailed:
		return "schedule_failed"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type        EventType
	State       State
	CurrentTime time.Duration
	Duration    time.Duration
	SegmentIDs  []string // Affected segments (segments_changed, schedule_failed)
}
