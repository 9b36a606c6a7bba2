package placement

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/app/timeline"
)

// TimelineLimitConfig represents the configuration for TimelineLimitRule.
type TimelineLimitConfig struct {
	MaxSeconds float64 `yaml:"max_seconds" mapstructure:"max_seconds" default:"3600" validate:"gt=0"`
}

// TimelineLimitRule rejects placements that end beyond a maximum timeline length.
type TimelineLimitRule struct {
	config *TimelineLimitConfig
}

// NewTimelineLimitRule creates a new timeline limit rule.
func NewTimelineLimitRule() *TimelineLimitRule {
	return &TimelineLimitRule{}
}

func (r *TimelineLimitRule) Name() string {
	return "timeline_limit"
}

func (r *TimelineLimitRule) Description() string {
	return "Rejects segments ending after the maximum timeline length"
}

func (r *TimelineLimitRule) ReturnCodes() []string {
	return []string{"timeline_limit_exceeded"}
}

func (r *TimelineLimitRule) ValidateConfig(settings map[string]any) error {
	var config TimelineLimitConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	r.config = &config
	zlog.Info().Msgf("timeline limit rule config: %+v", config)
	return nil
}

func (r *TimelineLimitRule) Check(p timeline.Placement, s *timeline.Store) Result {
	// If config is not set, accept all placements
	if r.config == nil {
		return Accept()
	}

	limit := time.Duration(r.config.MaxSeconds * float64(time.Second))
	if p.End > limit {
		return Reject("timeline_limit_exceeded")
	}
	return Accept()
}

func init() {
	Register("timeline_limit", func() Rule {
		return &TimelineLimitRule{}
	})
}
