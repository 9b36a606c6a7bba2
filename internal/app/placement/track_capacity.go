package placement

import (
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/timeline"
)

// TrackCapacityConfig represents the configuration for TrackCapacityRule.
type TrackCapacityConfig struct {
	MaxSegments int `yaml:"max_segments" mapstructure:"max_segments" default:"64" validate:"gte=1"`
}

// TrackCapacityRule limits how many segments a single track may hold.
// A segment moving within its own track does not count against the limit.
type TrackCapacityRule struct {
	config *TrackCapacityConfig
}

// NewTrackCapacityRule creates a new track capacity rule.
func NewTrackCapacityRule() *TrackCapacityRule {
	return &TrackCapacityRule{}
}

func (r *TrackCapacityRule) Name() string {
	return "track_capacity"
}

func (r *TrackCapacityRule) Description() string {
	return "Limits the number of segments per track"
}

func (r *TrackCapacityRule) ReturnCodes() []string {
	return []string{"track_full"}
}

func (r *TrackCapacityRule) ValidateConfig(settings map[string]any) error {
	var config TrackCapacityConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	r.config = &config
	zlog.Info().Msgf("track capacity rule config: %+v", config)
	return nil
}

func (r *TrackCapacityRule) Check(p timeline.Placement, s *timeline.Store) Result {
	if r.config == nil {
		return Accept()
	}

	count := s.TrackLen(p.TrackID) + p.Pending
	if p.SegmentID != "" {
		if seg, ok := s.Get(p.SegmentID); ok && seg.TrackID == p.TrackID {
			count--
		}
	}
	if count >= r.config.MaxSegments {
		return Reject("track_full")
	}
	return Accept()
}

func init() {
	Register("track_capacity", func() Rule {
		return &TrackCapacityRule{}
	})
}
