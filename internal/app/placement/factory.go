package placement

import (
	"sort"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackline/internal/infra/config"
)

// NewChainFromConfig creates a rule chain from the enabled placement rules.
// Rules run in name order so the chain is deterministic.
func NewChainFromConfig(cfg *config.Config) (*Chain, error) {
	chain := NewChain()

	names := make([]string, 0, len(cfg.Placement))
	for name := range cfg.Placement {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rcfg := cfg.Placement[name]
		if !rcfg.Enabled {
			continue
		}

		factory, ok := registry[name]
		if !ok {
			return nil, errors.Newf("unknown placement rule: %s", name)
		}

		rule := factory()
		if err := rule.ValidateConfig(rcfg.Settings); err != nil {
			return nil, errors.Wrapf(err, "placement rule %s", name)
		}
		chain.Add(rule)
		zlog.Info().Msgf("registered placement rule: name=%s", name)
	}

	return chain, nil
}
