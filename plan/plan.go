/*
Package plan resolves billing configuration: which plan a price belongs
to, and what credits that plan grants.

PURPOSE:
  Converts a declarative billing config into plan lookups without code
  changes. Product teams describe plans (price points, credit
  allocations, top-up rules) in JSON or YAML, and the resolver answers
  the runtime questions: "which plan is price_123?", "what credit keys
  does the pro plan carry?", "how much does a yearly subscriber get?".

CONFIG SCHEMA:
  {
    "test":       { "plans": { ... } },
    "production": { "plans": { ... } }
  }

  A plan:
  {
    "name": "pro",
    "prices": [
      {"id": "price_123", "amount": 2900, "currency": "usd", "interval": "month"},
      {"id": "price_456", "amount": 29900, "currency": "usd", "interval": "year"}
    ],
    "features": {
      "api-calls": {
        "credits": {"allocation": 1000, "on_renewal": "reset"},
        "price_per_credit": 2,
        "min_per_purchase": 100,
        "auto_top_up": {"threshold": 50, "amount": 500, "max_per_month": 3}
      }
    }
  }

LEGACY FORM:
  Older configs declare "credits": {"api-calls": {"allocation": 1000}}
  directly on the plan. The loader normalizes that into a features map
  so the rest of the system only ever sees Features.

SEE ALSO:
  - loader.go: file loading and validation
  - resolver.go: price and plan lookups
  - lifecycle/: grants driven by resolved plans
*/
package plan

import (
	"fmt"
	"sort"
)

// Environment names. Stripe test-mode and live-mode objects never mix,
// so the config keeps a plan set per environment.
const (
	EnvTest       = "test"
	EnvProduction = "production"
)

// Renewal behaviors for a credit rule.
const (
	RenewalReset = "reset" // expire the remainder, grant fresh (default)
	RenewalAdd   = "add"   // stack the new allocation on top
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root of the billing configuration.
type Config struct {
	Test       Env `json:"test" mapstructure:"test"`
	Production Env `json:"production" mapstructure:"production"`
}

// Env holds the plans of one Stripe environment.
type Env struct {
	Plans map[string]Plan `json:"plans" mapstructure:"plans"`
}

// Plan describes one sellable plan: its price points and the features
// (with credit allocations) it unlocks.
type Plan struct {
	Name     string             `json:"name" mapstructure:"name"`
	Prices   []PricePoint       `json:"prices" mapstructure:"prices"`
	Features map[string]Feature `json:"features" mapstructure:"features"`

	// PerSeat marks plans whose subscription item quantity tracks the
	// seat count.
	PerSeat bool `json:"per_seat,omitempty" mapstructure:"per_seat"`

	// Credits is the legacy form; Normalize folds it into Features.
	Credits map[string]CreditRule `json:"credits,omitempty" mapstructure:"credits"`
}

// PricePoint ties a Stripe price ID to its amount and billing interval.
type PricePoint struct {
	ID       string   `json:"id" mapstructure:"id"`
	Amount   int64    `json:"amount" mapstructure:"amount"` // minor units
	Currency string   `json:"currency" mapstructure:"currency"`
	Interval Interval `json:"interval" mapstructure:"interval"`
}

// Feature configures one credit key on a plan.
type Feature struct {
	DisplayName    string         `json:"display_name,omitempty" mapstructure:"display_name"`
	Credits        *CreditRule    `json:"credits,omitempty" mapstructure:"credits"`
	PricePerCredit int64          `json:"price_per_credit,omitempty" mapstructure:"price_per_credit"` // cents per credit
	MinPerPurchase int64          `json:"min_per_purchase,omitempty" mapstructure:"min_per_purchase"`
	MaxPerPurchase int64          `json:"max_per_purchase,omitempty" mapstructure:"max_per_purchase"`
	AutoTopUp      *AutoTopUpRule `json:"auto_top_up,omitempty" mapstructure:"auto_top_up"`
	TrackUsage     bool           `json:"track_usage,omitempty" mapstructure:"track_usage"`
	MeteredPriceID string         `json:"metered_price_id,omitempty" mapstructure:"metered_price_id"`
}

// CreditRule is a per-period credit allocation.
type CreditRule struct {
	Allocation int64  `json:"allocation" mapstructure:"allocation"`
	OnRenewal  string `json:"on_renewal,omitempty" mapstructure:"on_renewal"` // reset | add
}

// ResetOnRenewal reports whether renewal expires the remainder before
// granting. The zero value defaults to reset.
func (r CreditRule) ResetOnRenewal() bool {
	return r.OnRenewal != RenewalAdd
}

// AutoTopUpRule triggers an automatic purchase when a balance drops
// strictly below Threshold.
type AutoTopUpRule struct {
	Threshold   int64 `json:"threshold" mapstructure:"threshold"`
	Amount      int64 `json:"amount" mapstructure:"amount"` // credits per top-up
	MaxPerMonth int   `json:"max_per_month,omitempty" mapstructure:"max_per_month"`
}

// =============================================================================
// INTERVALS
// =============================================================================

// Interval is a billing period length.
type Interval string

const (
	IntervalMonth   Interval = "month"
	IntervalYear    Interval = "year"
	IntervalWeek    Interval = "week"
	IntervalOneTime Interval = "one_time"
)

// Valid reports whether the interval is one of the known values. The
// empty interval is valid and treated as monthly.
func (i Interval) Valid() bool {
	switch i {
	case "", IntervalMonth, IntervalYear, IntervalWeek, IntervalOneTime:
		return true
	default:
		return false
	}
}

// ParseInterval maps Stripe recurring interval strings onto ours.
// Unknown values fall back to month.
func ParseInterval(s string) Interval {
	switch Interval(s) {
	case IntervalYear:
		return IntervalYear
	case IntervalWeek:
		return IntervalWeek
	case IntervalOneTime:
		return IntervalOneTime
	default:
		return IntervalMonth
	}
}

// AllocationFor scales a monthly allocation to the billing interval.
// Yearly subscribers get 12x upfront; weekly plans get a quarter of the
// monthly allocation, rounded up so small allocations never reach zero.
func AllocationFor(rule CreditRule, interval Interval) int64 {
	switch interval {
	case IntervalYear:
		return rule.Allocation * 12
	case IntervalWeek:
		return (rule.Allocation + 3) / 4
	default:
		return rule.Allocation
	}
}

// =============================================================================
// NORMALIZATION AND VALIDATION
// =============================================================================

// Normalize folds legacy credits declarations into the features map and
// fills structural zero values. Safe to call more than once.
func (c *Config) Normalize() {
	normalizeEnv(&c.Test)
	normalizeEnv(&c.Production)
}

func normalizeEnv(e *Env) {
	for name, p := range e.Plans {
		if p.Name == "" {
			p.Name = name
		}
		if len(p.Credits) > 0 {
			if p.Features == nil {
				p.Features = make(map[string]Feature, len(p.Credits))
			}
			for key, rule := range p.Credits {
				if _, exists := p.Features[key]; exists {
					continue
				}
				r := rule
				p.Features[key] = Feature{Credits: &r}
			}
			p.Credits = nil
		}
		e.Plans[name] = p
	}
}

// Validate checks every plan in both environments. Normalize first.
func (c *Config) Validate() error {
	if err := validateEnv(EnvTest, c.Test); err != nil {
		return err
	}
	return validateEnv(EnvProduction, c.Production)
}

func validateEnv(env string, e Env) error {
	for name, p := range e.Plans {
		for _, pp := range p.Prices {
			if pp.ID == "" {
				return fmt.Errorf("%s plan %q: price point with empty id", env, name)
			}
			if !pp.Interval.Valid() {
				return fmt.Errorf("%s plan %q: price %q: unknown interval %q", env, name, pp.ID, pp.Interval)
			}
		}
		for key, f := range p.Features {
			if f.Credits != nil && f.Credits.Allocation < 0 {
				return fmt.Errorf("%s plan %q: feature %q: negative allocation %d", env, name, key, f.Credits.Allocation)
			}
			if f.Credits != nil && f.Credits.OnRenewal != "" &&
				f.Credits.OnRenewal != RenewalReset && f.Credits.OnRenewal != RenewalAdd {
				return fmt.Errorf("%s plan %q: feature %q: unknown on_renewal %q", env, name, key, f.Credits.OnRenewal)
			}
			if f.AutoTopUp != nil {
				if f.PricePerCredit <= 0 {
					return fmt.Errorf("%s plan %q: feature %q: auto_top_up requires price_per_credit", env, name, key)
				}
				if f.AutoTopUp.Amount <= 0 {
					return fmt.Errorf("%s plan %q: feature %q: auto_top_up amount must be positive", env, name, key)
				}
				if f.AutoTopUp.Threshold < 0 {
					return fmt.Errorf("%s plan %q: feature %q: auto_top_up threshold must not be negative", env, name, key)
				}
			}
		}
	}
	return nil
}

// Feature returns the feature config for a credit key.
func (p Plan) Feature(key string) (Feature, bool) {
	f, ok := p.Features[key]
	return f, ok
}

// CreditKeys returns the plan's feature keys that carry credit rules,
// sorted so grant order is deterministic.
func (p Plan) CreditKeys() []string {
	keys := make([]string, 0, len(p.Features))
	for key, f := range p.Features {
		if f.Credits != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
