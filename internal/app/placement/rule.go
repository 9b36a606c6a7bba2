// Package placement provides the configurable rule chain run on every segment placement.
package placement

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/osa030/trackline/internal/app/timeline"
)

// ErrRejected is returned when a placement rule rejects a placement.
var ErrRejected = errors.New("placement rejected")

// Result represents the result of a rule check.
type Result struct {
	Accepted bool
	Code     string // e.g., "timeline_limit_exceeded"
}

// Accept returns an accepted result.
func Accept() Result {
	return Result{Accepted: true}
}

// Reject returns a rejected result with the given code.
func Reject(code string) Result {
	return Result{Accepted: false, Code: code}
}

// RejectedError carries the rule and code that rejected a placement.
// It unwraps to ErrRejected.
type RejectedError struct {
	Rule string
	Code string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rule=%s code=%s", ErrRejected.Error(), e.Rule, e.Code)
}

// Unwrap returns ErrRejected.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Rule is the interface for placement rules.
type Rule interface {
	// Name returns the rule name (used in config).
	Name() string
	// Description returns a human-readable description.
	Description() string
	// ReturnCodes returns the codes this rule can return.
	ReturnCodes() []string
	// ValidateConfig validates and applies the rule configuration.
	ValidateConfig(settings map[string]any) error
	// Check performs the rule check against the current store.
	Check(p timeline.Placement, s *timeline.Store) Result
}

// registry holds registered rule factories.
var registry = make(map[string]func() Rule)

// Register registers a rule factory.
func Register(name string, factory func() Rule) {
	registry[name] = factory
}

// GetRegistered returns all registered rule factories.
func GetRegistered() map[string]func() Rule {
	return registry
}

// decodeSettings decodes a settings map into out, applies defaults and validates it.
func decodeSettings(settings map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}

	if err := decoder.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}

	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}

	validate := validator.New()
	if err := validate.Struct(out); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}
