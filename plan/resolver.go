package plan

import (
	"sort"
)

// Resolver answers plan lookups against a loaded config. The active
// environment is searched first so test and production price IDs can
// coexist in one file.
type Resolver struct {
	cfg       *Config
	activeEnv string
}

// NewResolver creates a resolver. activeEnv is EnvTest or
// EnvProduction; anything else is treated as production.
func NewResolver(cfg *Config, activeEnv string) *Resolver {
	if activeEnv != EnvTest {
		activeEnv = EnvProduction
	}
	return &Resolver{cfg: cfg, activeEnv: activeEnv}
}

// ActiveEnv returns the environment searched first.
func (r *Resolver) ActiveEnv() string { return r.activeEnv }

// ResolvedPlan is a successful price lookup: the plan, where it was
// found, and the price point that matched.
type ResolvedPlan struct {
	Env   string
	Name  string
	Plan  Plan
	Price PricePoint
}

// ResolvePlanByPriceID finds the plan selling the given Stripe price.
// The active environment wins when both declare the same ID. Returns
// nil when no plan carries the price.
func (r *Resolver) ResolvePlanByPriceID(priceID string) *ResolvedPlan {
	if r == nil || r.cfg == nil || priceID == "" {
		return nil
	}
	for _, env := range r.searchOrder() {
		if rp := findPrice(env, r.env(env), priceID); rp != nil {
			return rp
		}
	}
	return nil
}

// Plans returns the named plans of one environment, keyed by config name.
func (r *Resolver) Plans(env string) map[string]Plan {
	if r == nil || r.cfg == nil {
		return nil
	}
	src := r.env(env).Plans
	out := make(map[string]Plan, len(src))
	for name, p := range src {
		if p.Name == "" {
			p.Name = name
		}
		out[name] = p
	}
	return out
}

// PlanByName returns the named plan from the given environment, or nil.
func (r *Resolver) PlanByName(env, name string) *Plan {
	if r == nil || r.cfg == nil {
		return nil
	}
	p, ok := r.env(env).Plans[name]
	if !ok {
		return nil
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p
}

func (r *Resolver) searchOrder() []string {
	if r.activeEnv == EnvTest {
		return []string{EnvTest, EnvProduction}
	}
	return []string{EnvProduction, EnvTest}
}

func (r *Resolver) env(name string) Env {
	if name == EnvTest {
		return r.cfg.Test
	}
	return r.cfg.Production
}

func findPrice(envName string, e Env, priceID string) *ResolvedPlan {
	// Plan names are iterated in sorted order so duplicate price IDs
	// resolve the same way every time.
	names := make([]string, 0, len(e.Plans))
	for name := range e.Plans {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := e.Plans[name]
		for _, pp := range p.Prices {
			if pp.ID == priceID {
				if p.Name == "" {
					p.Name = name
				}
				return &ResolvedPlan{Env: envName, Name: p.Name, Plan: p, Price: pp}
			}
		}
	}
	return nil
}
