// Package track provides the Track domain entity.
package track

import (
	"strings"
	"time"
)

// Track represents a timeline lane. Segments reference it by ID only.
type Track struct {
	ID        string    // UUID
	Name      string    // Display name
	CreatedAt time.Time // Time when the track was added
}

// New creates a track. An empty name falls back to a generic label.
func New(id, name string) *Track {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Track"
	}
	return &Track{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
	}
}

// Rename changes the display name. Blank names are ignored.
func (t *Track) Rename(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	t.Name = name
	return true
}
