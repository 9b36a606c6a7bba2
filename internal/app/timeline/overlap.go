package timeline

import (
	"time"

	"github.com/osa030/trackline/internal/domain/segment"
)

// HasOverlap reports whether [start, end) collides with any segment on trackID.
// The segment named by excludeID is ignored so a segment can be tested against
// its own old position during a move. Touching intervals do not overlap.
func HasOverlap(segments map[string]*segment.Segment, trackID string, start, end time.Duration, excludeID string) bool {
	return findOverlap(segments, trackID, start, end, excludeID) != nil
}

// findOverlap returns the first segment colliding with [start, end) on trackID.
func findOverlap(segments map[string]*segment.Segment, trackID string, start, end time.Duration, excludeID string) *segment.Segment {
	for _, other := range segments {
		if other.TrackID != trackID {
			continue
		}
		if excludeID != "" && other.ID == excludeID {
			continue
		}
		if start < other.EndTime && end > other.StartTime {
			return other
		}
	}
	return nil
}
