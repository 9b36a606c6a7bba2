package timeline

import (
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/trackline/internal/domain/segment"
)

type fakeResource time.Duration

func (r fakeResource) Duration() time.Duration { return time.Duration(r) }

func sec(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

type stopCounter struct{ stops int }

func (h *stopCounter) Stop() { h.stops++ }

func TestHasOverlap(t *testing.T) {
	segments := map[string]*segment.Segment{
		"s1": segment.New("s1", "A", fakeResource(sec(5)), sec(0)),
		"s2": segment.New("s2", "A", fakeResource(sec(3)), sec(10)),
		"s3": segment.New("s3", "B", fakeResource(sec(5)), sec(0)),
	}

	tests := []struct {
		name      string
		trackID   string
		start     time.Duration
		end       time.Duration
		excludeID string
		expected  bool
	}{
		{name: "inside existing", trackID: "A", start: sec(1), end: sec(2), expected: true},
		{name: "straddles start", trackID: "A", start: sec(9), end: sec(11), expected: true},
		{name: "covers existing", trackID: "A", start: sec(9), end: sec(14), expected: true},
		{name: "touching end is allowed", trackID: "A", start: sec(5), end: sec(10), expected: false},
		{name: "touching start is allowed", trackID: "A", start: sec(13), end: sec(15), expected: false},
		{name: "other track ignored", trackID: "C", start: sec(0), end: sec(5), expected: false},
		{name: "excluded self", trackID: "A", start: sec(1), end: sec(6), excludeID: "s1", expected: false},
		{name: "excluded self still hits neighbour", trackID: "A", start: sec(8), end: sec(11), excludeID: "s1", expected: true},
		{name: "zero length inside", trackID: "B", start: sec(2), end: sec(2), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasOverlap(segments, tt.trackID, tt.start, tt.end, tt.excludeID)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStore_Add_RejectsOverlap(t *testing.T) {
	s := NewStore(nil)

	s1, err := s.Add("A", fakeResource(sec(5)), 0)
	require.NoError(t, err)

	_, err = s.Add("A", fakeResource(sec(3)), sec(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlap))

	var overlapErr *OverlapError
	require.True(t, errors.As(err, &overlapErr))
	assert.Equal(t, s1.ID, overlapErr.ConflictID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, sec(5), s.Duration())

	_, err = s.Add("A", fakeResource(sec(3)), sec(5))
	require.NoError(t, err)
	assert.Equal(t, sec(8), s.Duration())
}

func TestStore_Add_Invalid(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Add("A", nil, 0)
	assert.True(t, errors.Is(err, ErrNoResource))

	_, err = s.Add("A", fakeResource(sec(1)), -sec(1))
	assert.True(t, errors.Is(err, ErrInvalidPlacement))
	assert.Equal(t, 0, s.Len())
}

func TestStore_Move(t *testing.T) {
	s := NewStore(nil)
	s2, err := s.Add("B", fakeResource(sec(5)), sec(10))
	require.NoError(t, err)

	assert.True(t, s.Move(s2.ID, sec(3)))
	assert.Equal(t, sec(3), s2.StartTime)
	assert.Equal(t, sec(8), s2.EndTime)
	assert.Equal(t, sec(8), s.Duration())
}

func TestStore_Move_RejectionLeavesStateUnchanged(t *testing.T) {
	s := NewStore(nil)
	s2, err := s.Add("B", fakeResource(sec(5)), sec(10))
	require.NoError(t, err)
	_, err = s.Add("B", fakeResource(sec(3)), sec(6))
	require.NoError(t, err)

	assert.False(t, s.Move(s2.ID, sec(3)))
	assert.Equal(t, "B", s2.TrackID)
	assert.Equal(t, sec(10), s2.StartTime)
	assert.Equal(t, sec(15), s2.EndTime)
	assert.Equal(t, sec(15), s.Duration())
}

func TestStore_Move_UnknownSegment(t *testing.T) {
	s := NewStore(nil)
	assert.False(t, s.Move("missing", 0))
	assert.False(t, s.MoveToTrack("missing", "A", 0))
}

func TestStore_MoveToTrack(t *testing.T) {
	s := NewStore(nil)
	seg, err := s.Add("A", fakeResource(sec(4)), 0)
	require.NoError(t, err)
	_, err = s.Add("B", fakeResource(sec(4)), sec(2))
	require.NoError(t, err)

	assert.False(t, s.MoveToTrack(seg.ID, "B", sec(5)), "destination track collision")
	assert.Equal(t, "A", seg.TrackID)

	assert.True(t, s.MoveToTrack(seg.ID, "B", sec(6)))
	assert.Equal(t, "B", seg.TrackID)
	assert.Equal(t, sec(10), seg.EndTime)
	assert.Equal(t, sec(10), s.Duration())
}

func TestStore_Remove(t *testing.T) {
	s := NewStore(nil)
	long, err := s.Add("A", fakeResource(sec(10)), 0)
	require.NoError(t, err)
	_, err = s.Add("B", fakeResource(sec(4)), 0)
	require.NoError(t, err)

	h := &stopCounter{}
	long.Handle = h

	removed, ok := s.Remove(long.ID)
	require.True(t, ok)
	assert.Equal(t, long.ID, removed.ID)
	assert.Equal(t, 1, h.stops)
	assert.Equal(t, sec(4), s.Duration())

	_, ok = s.Remove(long.ID)
	assert.False(t, ok)
}

func TestStore_RemoveTrack(t *testing.T) {
	s := NewStore(nil)
	handles := make([]*stopCounter, 0)
	for i := 0; i < 3; i++ {
		seg, err := s.Add("A", fakeResource(sec(2)), sec(float64(i*2)))
		require.NoError(t, err)
		h := &stopCounter{}
		seg.Handle = h
		handles = append(handles, h)
	}
	_, err := s.Add("B", fakeResource(sec(1)), 0)
	require.NoError(t, err)

	assert.Equal(t, 3, s.RemoveTrack("A"))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, sec(1), s.Duration())
	for _, h := range handles {
		assert.Equal(t, 1, h.stops)
	}

	assert.Equal(t, 0, s.RemoveTrack("A"))
}

func TestStore_AddBatch(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Add("A", fakeResource(sec(4)), 0)
	require.NoError(t, err)

	added, err := s.AddBatch("A", []segment.Resource{fakeResource(sec(2)), fakeResource(sec(3))}, sec(1))
	require.NoError(t, err)
	require.Len(t, added, 2)

	assert.Equal(t, sec(4), added[0].StartTime, "starts at track end")
	assert.Equal(t, sec(6), added[1].StartTime, "placed back to back")
	assert.Equal(t, sec(9), s.Duration())

	added, err = s.AddBatch("B", []segment.Resource{fakeResource(sec(1))}, sec(20))
	require.NoError(t, err)
	assert.Equal(t, sec(20), added[0].StartTime)
	assert.Equal(t, sec(21), s.Duration())
}

func TestStore_AddBatch_AllOrNothing(t *testing.T) {
	s := NewStore(nil)

	_, err := s.AddBatch("A", []segment.Resource{fakeResource(sec(2)), nil}, 0)
	assert.True(t, errors.Is(err, ErrNoResource))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, time.Duration(0), s.Duration())
}

func TestStore_Active(t *testing.T) {
	s := NewStore(nil)
	a, err := s.Add("A", fakeResource(sec(5)), 0)
	require.NoError(t, err)
	b, err := s.Add("B", fakeResource(sec(5)), sec(3))
	require.NoError(t, err)

	active := s.Active(sec(4))
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, b.ID, active[1].ID)

	active = s.Active(sec(5))
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	assert.Empty(t, s.Active(sec(8)))
}

func TestStore_SortedAndByTrack(t *testing.T) {
	s := NewStore(nil)
	late, err := s.Add("A", fakeResource(sec(1)), sec(5))
	require.NoError(t, err)
	early, err := s.Add("A", fakeResource(sec(1)), sec(1))
	require.NoError(t, err)
	other, err := s.Add("B", fakeResource(sec(1)), sec(3))
	require.NoError(t, err)

	sorted := s.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, []string{early.ID, other.ID, late.ID}, []string{sorted[0].ID, sorted[1].ID, sorted[2].ID})

	byTrack := s.ByTrack()
	require.Len(t, byTrack["A"], 2)
	assert.Equal(t, early.ID, byTrack["A"][0].ID)
	assert.Equal(t, late.ID, byTrack["A"][1].ID)
	assert.Equal(t, sec(6), s.TrackEnd("A"))
	assert.Equal(t, 2, s.TrackLen("A"))
}

type rejectTrack string

func (r rejectTrack) Check(p Placement, _ *Store) error {
	if p.TrackID == string(r) {
		return errors.New("track is locked")
	}
	return nil
}

func TestStore_Policy(t *testing.T) {
	s := NewStore(rejectTrack("locked"))

	_, err := s.Add("locked", fakeResource(sec(1)), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrOverlap))

	seg, err := s.Add("open", fakeResource(sec(1)), 0)
	require.NoError(t, err)
	assert.False(t, s.MoveToTrack(seg.ID, "locked", 0))
	assert.Equal(t, "open", seg.TrackID)
}

// TestStore_RandomOperationsKeepInvariants drives random adds and moves and checks
// per-track disjointness and duration consistency after every step.
func TestStore_RandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewStore(nil)
	tracks := []string{"A", "B", "C"}
	ids := make([]string, 0)

	for i := 0; i < 500; i++ {
		trackID := tracks[rng.Intn(len(tracks))]
		start := time.Duration(rng.Intn(60)) * time.Second
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			seg, err := s.Add(trackID, fakeResource(time.Duration(1+rng.Intn(8))*time.Second), start)
			if err == nil {
				ids = append(ids, seg.ID)
			}
		case op == 1:
			s.Move(ids[rng.Intn(len(ids))], start)
		case op == 2:
			s.MoveToTrack(ids[rng.Intn(len(ids))], trackID, start)
		default:
			idx := rng.Intn(len(ids))
			s.Remove(ids[idx])
			ids = append(ids[:idx], ids[idx+1:]...)
		}

		assertDisjoint(t, s)
		assertDuration(t, s)
	}
}

func assertDisjoint(t *testing.T, s *Store) {
	t.Helper()
	for _, a := range s.Segments() {
		for _, b := range s.Segments() {
			if a.ID == b.ID || a.TrackID != b.TrackID {
				continue
			}
			if a.StartTime < b.EndTime && a.EndTime > b.StartTime {
				t.Fatalf("segments %s [%v,%v) and %s [%v,%v) overlap on track %s",
					a.ID, a.StartTime, a.EndTime, b.ID, b.StartTime, b.EndTime, a.TrackID)
			}
		}
	}
}

func assertDuration(t *testing.T, s *Store) {
	t.Helper()
	var want time.Duration
	for _, seg := range s.Segments() {
		want = max(want, seg.EndTime)
		require.Equal(t, seg.StartTime+seg.Duration, seg.EndTime)
	}
	require.Equal(t, want, s.Duration())
}
