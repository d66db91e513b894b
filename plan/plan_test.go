package plan_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/plan"
)

const sampleJSON = `{
  "test": {
    "plans": {
      "starter": {
        "prices": [
          {"id": "price_starter_m", "amount": 900, "currency": "usd", "interval": "month"}
        ],
        "credits": {
          "api-calls": {"allocation": 100}
        }
      },
      "pro": {
        "prices": [
          {"id": "price_pro_m", "amount": 2900, "currency": "usd", "interval": "month"},
          {"id": "price_pro_y", "amount": 29900, "currency": "usd", "interval": "year"}
        ],
        "features": {
          "api-calls": {
            "credits": {"allocation": 1000, "on_renewal": "reset"},
            "price_per_credit": 2,
            "min_per_purchase": 100,
            "max_per_purchase": 10000,
            "auto_top_up": {"threshold": 50, "amount": 500, "max_per_month": 3}
          },
          "exports": {
            "credits": {"allocation": 20, "on_renewal": "add"}
          },
          "support": {
            "display_name": "Priority Support"
          }
        }
      }
    }
  },
  "production": {
    "plans": {
      "pro": {
        "prices": [
          {"id": "price_live_pro_m", "amount": 2900, "currency": "usd", "interval": "month"}
        ],
        "features": {
          "api-calls": {"credits": {"allocation": 1000}}
        }
      }
    }
  }
}`

func parseSample(t *testing.T) *plan.Config {
	t.Helper()
	cfg, err := plan.Parse([]byte(sampleJSON), "json")
	require.NoError(t, err)
	return cfg
}

// =============================================================================
// LOADING AND NORMALIZATION
// =============================================================================

func TestPlan_Load_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

	cfg, err := plan.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Test.Plans, 2)
	assert.Len(t, cfg.Production.Plans, 1)
}

func TestPlan_Load_YAMLFile(t *testing.T) {
	yaml := `
test:
  plans:
    starter:
      prices:
        - id: price_starter_m
          amount: 900
          currency: usd
          interval: month
      credits:
        api-calls:
          allocation: 100
production:
  plans: {}
`
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := plan.Load(path)
	require.NoError(t, err)

	starter, ok := cfg.Test.Plans["starter"]
	require.True(t, ok)
	require.Contains(t, starter.Features, "api-calls")
	assert.Equal(t, int64(100), starter.Features["api-calls"].Credits.Allocation)
}

func TestPlan_Load_MissingFile(t *testing.T) {
	_, err := plan.Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestPlan_Normalize_LegacyCreditsBecomeFeatures(t *testing.T) {
	cfg := parseSample(t)

	// GIVEN the starter plan declared via the legacy credits form
	starter := cfg.Test.Plans["starter"]

	// THEN the loader produced a features map and cleared the legacy field
	require.Contains(t, starter.Features, "api-calls")
	require.NotNil(t, starter.Features["api-calls"].Credits)
	assert.Equal(t, int64(100), starter.Features["api-calls"].Credits.Allocation)
	assert.Nil(t, starter.Credits)
	assert.Equal(t, "starter", starter.Name, "plan name defaults to its map key")
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestPlan_Validate_Failures(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "unknown interval",
			json: `{"test":{"plans":{"p":{"prices":[{"id":"pr_1","interval":"quarterly"}]}}}}`,
			want: "unknown interval",
		},
		{
			name: "negative allocation",
			json: `{"test":{"plans":{"p":{"features":{"k":{"credits":{"allocation":-5}}}}}}}`,
			want: "negative allocation",
		},
		{
			name: "auto top-up without price",
			json: `{"test":{"plans":{"p":{"features":{"k":{"credits":{"allocation":10},"auto_top_up":{"threshold":5,"amount":100}}}}}}}`,
			want: "requires price_per_credit",
		},
		{
			name: "unknown renewal behavior",
			json: `{"test":{"plans":{"p":{"features":{"k":{"credits":{"allocation":10,"on_renewal":"rollover"}}}}}}}`,
			want: "unknown on_renewal",
		},
		{
			name: "empty price id",
			json: `{"test":{"plans":{"p":{"prices":[{"amount":900,"interval":"month"}]}}}}`,
			want: "empty id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plan.Parse([]byte(tt.json), "json")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestPlan_ResolvePlanByPriceID_ActiveEnvFirst(t *testing.T) {
	cfg := parseSample(t)

	// GIVEN a resolver pinned to the test environment
	r := plan.NewResolver(cfg, plan.EnvTest)

	// WHEN resolving a test price
	rp := r.ResolvePlanByPriceID("price_pro_y")
	require.NotNil(t, rp)
	assert.Equal(t, plan.EnvTest, rp.Env)
	assert.Equal(t, "pro", rp.Name)
	assert.Equal(t, plan.IntervalYear, rp.Price.Interval)

	// AND resolving a production-only price still works via fallback
	rp = r.ResolvePlanByPriceID("price_live_pro_m")
	require.NotNil(t, rp)
	assert.Equal(t, plan.EnvProduction, rp.Env)

	// AND an unknown price resolves to nil
	assert.Nil(t, r.ResolvePlanByPriceID("price_unknown"))
	assert.Nil(t, r.ResolvePlanByPriceID(""))
}

func TestPlan_PlanByName(t *testing.T) {
	cfg := parseSample(t)
	r := plan.NewResolver(cfg, plan.EnvTest)

	p := r.PlanByName(plan.EnvTest, "pro")
	require.NotNil(t, p)
	assert.Equal(t, "pro", p.Name)

	assert.Nil(t, r.PlanByName(plan.EnvTest, "enterprise"))
	assert.Nil(t, r.PlanByName(plan.EnvProduction, "starter"))
}

func TestPlan_CreditKeys_SortedAndFiltered(t *testing.T) {
	cfg := parseSample(t)

	pro := cfg.Test.Plans["pro"]
	keys := pro.CreditKeys()

	// "support" has no credit rule, so only the two credit features
	// appear, in sorted order.
	assert.Equal(t, []string{"api-calls", "exports"}, keys)
}

// =============================================================================
// ALLOCATION SCALING
// =============================================================================

func TestPlan_AllocationFor(t *testing.T) {
	rule := plan.CreditRule{Allocation: 1000}

	assert.Equal(t, int64(1000), plan.AllocationFor(rule, plan.IntervalMonth))
	assert.Equal(t, int64(12000), plan.AllocationFor(rule, plan.IntervalYear))
	assert.Equal(t, int64(250), plan.AllocationFor(rule, plan.IntervalWeek))
	assert.Equal(t, int64(1000), plan.AllocationFor(rule, plan.IntervalOneTime))

	// Weekly scaling rounds up so tiny allocations survive.
	small := plan.CreditRule{Allocation: 5}
	assert.Equal(t, int64(2), plan.AllocationFor(small, plan.IntervalWeek))

	// The empty interval behaves as monthly.
	assert.Equal(t, int64(1000), plan.AllocationFor(rule, ""))
}

func TestPlan_ParseInterval(t *testing.T) {
	assert.Equal(t, plan.IntervalMonth, plan.ParseInterval("month"))
	assert.Equal(t, plan.IntervalYear, plan.ParseInterval("year"))
	assert.Equal(t, plan.IntervalWeek, plan.ParseInterval("week"))
	assert.Equal(t, plan.IntervalOneTime, plan.ParseInterval("one_time"))
	assert.Equal(t, plan.IntervalMonth, plan.ParseInterval("day"), "unknown intervals fall back to month")
}

func TestPlan_CreditRule_ResetOnRenewal(t *testing.T) {
	assert.True(t, plan.CreditRule{}.ResetOnRenewal(), "reset is the default")
	assert.True(t, plan.CreditRule{OnRenewal: plan.RenewalReset}.ResetOnRenewal())
	assert.False(t, plan.CreditRule{OnRenewal: plan.RenewalAdd}.ResetOnRenewal())
}
