// Package strategy provides the strategy registry and decision aggregation.
//
// A strategy is a pure function from a feature snapshot and the current
// holding to a BUY/SELL/HOLD verdict. The one exception is the trailing
// stop strategy, which is the designated owner of the persistent risk
// state; all other strategies are read-only.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"autotrader/internal/config"
	"autotrader/internal/indicators"
	"autotrader/internal/models"
	"autotrader/internal/riskstate"
)

// Context carries the inputs for one strategy evaluation.
type Context struct {
	Features *indicators.FeatureRow
	Tick     models.Tick
	Holding  *models.Holding // nil when the symbol is not held
}

// Held reports whether the symbol is currently held.
func (c *Context) Held() bool {
	return c.Holding != nil && c.Holding.Quantity > 0
}

// Strategy evaluates one symbol-tick.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, tc *Context) (models.Action, error)
}

// Deps are the dependencies a strategy factory may wire in.
type Deps struct {
	Risk       *riskstate.Store
	RiskConfig config.RiskConfig
	Logger     zerolog.Logger
}

// Factory constructs a strategy from its dependencies.
type Factory func(Deps) Strategy

var (
	registry      = map[string]Factory{}
	registryOrder []string
)

// register adds a strategy factory to the static registry. Called from
// package init only; the registry is immutable afterwards.
func register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = f
	registryOrder = append(registryOrder, name)
}

// Names returns all registered strategy names in registration order.
func Names() []string {
	out := make([]string, len(registryOrder))
	copy(out, registryOrder)
	return out
}

// Build resolves a list of strategy names against the registry. An empty
// list selects the full default registry. Unknown names fail immediately so
// a misconfigured deployment cannot silently trade with a partial set.
func Build(names []string, deps Deps) ([]Strategy, error) {
	if len(names) == 0 {
		names = registryOrder
	}

	seen := map[string]bool{}
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			known := Names()
			sort.Strings(known)
			return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, known)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		strategies = append(strategies, factory(deps))
	}

	return strategies, nil
}
