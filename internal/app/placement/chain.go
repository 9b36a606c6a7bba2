package placement

import (
	"github.com/osa030/trackline/internal/app/timeline"
)

// Chain executes rules in sequence and implements timeline.Policy.
type Chain struct {
	rules []Rule
}

// Ensure Chain can be installed as a store policy.
var _ timeline.Policy = (*Chain)(nil)

// NewChain creates a new rule chain.
func NewChain() *Chain {
	return &Chain{
		rules: make([]Rule, 0),
	}
}

// Add adds a rule to the chain.
func (c *Chain) Add(r Rule) {
	c.rules = append(c.rules, r)
}

// Execute runs all rules in sequence.
// Returns immediately if any rule rejects the placement.
func (c *Chain) Execute(p timeline.Placement, s *timeline.Store) (string, Result) {
	for _, r := range c.rules {
		result := r.Check(p, s)
		if !result.Accepted {
			return r.Name(), result
		}
	}
	return "", Accept()
}

// Check implements timeline.Policy.
func (c *Chain) Check(p timeline.Placement, s *timeline.Store) error {
	name, result := c.Execute(p, s)
	if result.Accepted {
		return nil
	}
	return &RejectedError{Rule: name, Code: result.Code}
}

// Rules returns all rules in the chain.
func (c *Chain) Rules() []Rule {
	return c.rules
}
