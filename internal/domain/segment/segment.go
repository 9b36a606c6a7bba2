// Package segment provides the Segment domain entity.
package segment

import "time"

// Resource is decoded audio data ready to be handed to an audio sink.
type Resource interface {
	Duration() time.Duration
}

// Handle is a scheduled playback instance of a segment.
// Stop must be safe to call more than once.
type Handle interface {
	Stop()
}

// Clip is a decoded resource with the name of the file it came from.
type Clip struct {
	Name     string
	Resource Resource
}

// Segment represents one audio clip placed on one track.
type Segment struct {
	ID        string        // UUID
	TrackID   string        // Owning track (not owned)
	Name      string        // Source file name, empty when unknown
	Resource  Resource      // Decoded audio, nil while pending
	StartTime time.Duration // Position on the timeline
	Duration  time.Duration // Clip length
	EndTime   time.Duration // StartTime + Duration, maintained by Place
	Loaded    bool          // True once Resource is set
	Handle    Handle        // Active playback instance, owned by the scheduler
}

// New creates a loaded segment for the given resource.
func New(id, trackID string, res Resource, start time.Duration) *Segment {
	s := &Segment{
		ID:       id,
		TrackID:  trackID,
		Resource: res,
		Loaded:   res != nil,
	}
	if res != nil {
		s.Duration = res.Duration()
	}
	s.Place(trackID, start)
	return s
}

// Place moves the segment to the given track and start time and recomputes EndTime.
func (s *Segment) Place(trackID string, start time.Duration) {
	s.TrackID = trackID
	s.StartTime = start
	s.EndTime = start + s.Duration
}

// Contains reports whether t falls inside [StartTime, EndTime).
func (s *Segment) Contains(t time.Duration) bool {
	return t >= s.StartTime && t < s.EndTime
}

// StopHandle stops and releases the active handle, if any.
func (s *Segment) StopHandle() {
	if s.Handle == nil {
		return
	}
	s.Handle.Stop()
	s.Handle = nil
}

// Info is a read-only copy of a segment for callers outside the engine.
type Info struct {
	ID        string
	TrackID   string
	Name      string
	StartTime time.Duration
	Duration  time.Duration
	EndTime   time.Duration
	Loaded    bool
	Active    bool // Has a scheduled handle
}

// Info returns a read-only copy of the segment.
func (s *Segment) Info() Info {
	return Info{
		ID:        s.ID,
		TrackID:   s.TrackID,
		Name:      s.Name,
		StartTime: s.StartTime,
		Duration:  s.Duration,
		EndTime:   s.EndTime,
		Loaded:    s.Loaded,
		Active:    s.Handle != nil,
	}
}
