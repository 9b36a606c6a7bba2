// Package timeline provides the segment store and its overlap validation.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/osa030/trackline/internal/domain/segment"
)

// Errors
var (
	ErrOverlap          = errors.New("segment overlaps with existing segment in the same track")
	ErrNotFound         = errors.New("segment not found")
	ErrNoResource       = errors.New("segment resource is not loaded")
	ErrInvalidPlacement = errors.New("invalid segment placement")
)

// OverlapError describes a rejected placement. It unwraps to ErrOverlap.
type OverlapError struct {
	TrackID    string
	Start      time.Duration
	End        time.Duration
	ConflictID string // Segment already occupying the interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s: track=%s interval=[%v, %v) conflicts with segment %s",
		ErrOverlap.Error(), e.TrackID, e.Start, e.End, e.ConflictID)
}

// Unwrap returns ErrOverlap.
func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

// Placement describes a candidate position for a segment.
type Placement struct {
	SegmentID string // Empty for a segment that does not exist yet
	TrackID   string
	Start     time.Duration
	End       time.Duration
	Pending   int // Segments placed earlier in the same batch, not yet in the store
}

// Policy runs additional placement checks after the overlap check passed.
// Any non-nil error rejects the placement.
type Policy interface {
	Check(p Placement, s *Store) error
}

// Store is the authoritative set of segments.
// It is not safe for concurrent use; the playback controller serializes access.
type Store struct {
	segments map[string]*segment.Segment
	duration time.Duration
	policy   Policy
}

// NewStore creates an empty store. policy may be nil.
func NewStore(policy Policy) *Store {
	return &Store{
		segments: make(map[string]*segment.Segment),
		policy:   policy,
	}
}

// Add places a loaded resource on trackID at start and returns the new segment.
// A collision on the track is reported as *OverlapError.
func (s *Store) Add(trackID string, res segment.Resource, start time.Duration) (*segment.Segment, error) {
	if res == nil {
		return nil, ErrNoResource
	}
	p := Placement{TrackID: trackID, Start: start, End: start + res.Duration()}
	if err := s.check(p); err != nil {
		return nil, err
	}

	seg := segment.New(uuid.New().String(), trackID, res, start)
	s.segments[seg.ID] = seg
	s.recomputeDuration()
	return seg, nil
}

// AddBatch places resources back to back on trackID, beginning at the later of
// start and the current end of the track. Either every resource is inserted or none.
func (s *Store) AddBatch(trackID string, resources []segment.Resource, start time.Duration) ([]*segment.Segment, error) {
	cursor := max(start, s.TrackEnd(trackID))

	added := make([]*segment.Segment, 0, len(resources))
	pending := make(map[string]*segment.Segment, len(resources))
	for _, res := range resources {
		if res == nil {
			return nil, ErrNoResource
		}
		p := Placement{TrackID: trackID, Start: cursor, End: cursor + res.Duration(), Pending: len(added)}
		if err := s.check(p); err != nil {
			return nil, err
		}
		if other := findOverlap(pending, trackID, p.Start, p.End, ""); other != nil {
			return nil, &OverlapError{TrackID: trackID, Start: p.Start, End: p.End, ConflictID: other.ID}
		}
		seg := segment.New(uuid.New().String(), trackID, res, cursor)
		pending[seg.ID] = seg
		added = append(added, seg)
		cursor = seg.EndTime
	}

	for _, seg := range added {
		s.segments[seg.ID] = seg
	}
	s.recomputeDuration()
	return added, nil
}

// Move changes the start time of a segment within its track.
// It returns false and leaves the store unchanged if the new interval is rejected.
func (s *Store) Move(id string, newStart time.Duration) bool {
	seg, ok := s.segments[id]
	if !ok {
		return false
	}
	return s.MoveToTrack(id, seg.TrackID, newStart)
}

// MoveToTrack moves a segment to newTrackID at newStart, validating against the
// destination track. It returns false and leaves the store unchanged on rejection.
func (s *Store) MoveToTrack(id, newTrackID string, newStart time.Duration) bool {
	seg, ok := s.segments[id]
	if !ok {
		return false
	}
	p := Placement{
		SegmentID: id,
		TrackID:   newTrackID,
		Start:     newStart,
		End:       newStart + seg.Duration,
	}
	if err := s.check(p); err != nil {
		return false
	}

	seg.Place(newTrackID, newStart)
	s.recomputeDuration()
	return true
}

// Remove stops any active handle and deletes the segment.
func (s *Store) Remove(id string) (*segment.Segment, bool) {
	seg, ok := s.segments[id]
	if !ok {
		return nil, false
	}
	seg.StopHandle()
	delete(s.segments, id)
	s.recomputeDuration()
	return seg, true
}

// RemoveTrack stops and deletes every segment on trackID and returns how many
// were removed. Duration is recomputed once.
func (s *Store) RemoveTrack(trackID string) int {
	removed := 0
	for id, seg := range s.segments {
		if seg.TrackID != trackID {
			continue
		}
		seg.StopHandle()
		delete(s.segments, id)
		removed++
	}
	if removed > 0 {
		s.recomputeDuration()
	}
	return removed
}

// Get returns the segment with the given ID.
func (s *Store) Get(id string) (*segment.Segment, bool) {
	seg, ok := s.segments[id]
	return seg, ok
}

// Len returns the number of segments.
func (s *Store) Len() int {
	return len(s.segments)
}

// Duration returns the furthest segment end time, or 0 when empty.
func (s *Store) Duration() time.Duration {
	return s.duration
}

// Segments returns the backing map. Callers must not add or delete entries.
func (s *Store) Segments() map[string]*segment.Segment {
	return s.segments
}

// TrackEnd returns the furthest end time on trackID, or 0 if the track is empty.
func (s *Store) TrackEnd(trackID string) time.Duration {
	var end time.Duration
	for _, seg := range s.segments {
		if seg.TrackID == trackID && seg.EndTime > end {
			end = seg.EndTime
		}
	}
	return end
}

// TrackLen returns the number of segments on trackID.
func (s *Store) TrackLen(trackID string) int {
	n := 0
	for _, seg := range s.segments {
		if seg.TrackID == trackID {
			n++
		}
	}
	return n
}

// Active returns the loaded segments that should be audible at t, ordered by start time.
func (s *Store) Active(t time.Duration) []segment.Info {
	result := make([]segment.Info, 0)
	for _, seg := range s.Sorted() {
		if seg.Loaded && seg.Contains(t) {
			result = append(result, seg.Info())
		}
	}
	return result
}

// Sorted returns all segments ordered by start time, then track and ID.
func (s *Store) Sorted() []*segment.Segment {
	result := make([]*segment.Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		result = append(result, seg)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		if a.TrackID != b.TrackID {
			return a.TrackID < b.TrackID
		}
		return a.ID < b.ID
	})
	return result
}

// ByTrack groups segment infos by track, each group ordered by start time.
func (s *Store) ByTrack() map[string][]segment.Info {
	result := make(map[string][]segment.Info)
	for _, seg := range s.Sorted() {
		result[seg.TrackID] = append(result[seg.TrackID], seg.Info())
	}
	return result
}

// check validates a placement: intrinsic bounds, the per-track overlap
// invariant, then the configured policy.
func (s *Store) check(p Placement) error {
	if p.Start < 0 || p.End < p.Start {
		return errors.Wrapf(ErrInvalidPlacement, "start=%v end=%v", p.Start, p.End)
	}
	if other := findOverlap(s.segments, p.TrackID, p.Start, p.End, p.SegmentID); other != nil {
		return &OverlapError{TrackID: p.TrackID, Start: p.Start, End: p.End, ConflictID: other.ID}
	}
	if s.policy != nil {
		if err := s.policy.Check(p, s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recomputeDuration() {
	var d time.Duration
	for _, seg := range s.segments {
		if seg.EndTime > d {
			d = seg.EndTime
		}
	}
	s.duration = d
}
