// Package registry holds the set of tracks known to the session.
package registry

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/osa030/trackline/internal/domain/track"
)

var ErrTrackNotFound = errors.New("track not found")

// TrackRegistry manages tracks with thread-safe access.
type TrackRegistry struct {
	mu     sync.RWMutex
	tracks map[string]*track.Track
	order  []string // IDs in creation order
}

// NewTrackRegistry creates a new track registry.
func NewTrackRegistry() *TrackRegistry {
	return &TrackRegistry{
		tracks: make(map[string]*track.Track),
	}
}

// Add registers a new track and returns a copy of it.
func (r *TrackRegistry) Add(name string) track.Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := track.New(uuid.New().String(), name)
	r.tracks[t.ID] = t
	r.order = append(r.order, t.ID)
	return *t
}

// Get retrieves a track by ID.
func (r *TrackRegistry) Get(trackID string) (track.Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tracks[trackID]
	if !ok {
		return track.Track{}, errors.Wrapf(ErrTrackNotFound, "track=%s", trackID)
	}
	return *t, nil
}

// HasTrack reports whether trackID is registered.
func (r *TrackRegistry) HasTrack(trackID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tracks[trackID]
	return ok
}

// Rename changes a track's display name.
func (r *TrackRegistry) Rename(trackID, name string) (track.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tracks[trackID]
	if !ok {
		return track.Track{}, errors.Wrapf(ErrTrackNotFound, "track=%s", trackID)
	}
	if !t.Rename(name) {
		return track.Track{}, errors.Newf("blank track name: track=%s", trackID)
	}
	return *t, nil
}

// Remove unregisters a track.
func (r *TrackRegistry) Remove(trackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracks[trackID]; !ok {
		return errors.Wrapf(ErrTrackNotFound, "track=%s", trackID)
	}
	delete(r.tracks, trackID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == trackID })
	return nil
}

// All returns all tracks in creation order.
func (r *TrackRegistry) All() []track.Track {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]track.Track, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, *r.tracks[id])
	}
	return result
}

// Count returns the number of tracks.
func (r *TrackRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}
