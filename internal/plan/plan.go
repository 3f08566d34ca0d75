// Package plan describes the compensation plan the engine settles against:
// the read-only package catalog, bonus rates, pairing limits, wallet policy
// and the rank ladder.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
	"settlement-service/internal/money"
)

// Package is a catalog entry. Administration happens elsewhere; the engine
// only reads it.
type Package struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	Value int64  `json:"value" validate:"gte=0"`
	PV    int64  `json:"pv" validate:"gte=0"`
	BV    int64  `json:"bv" validate:"gte=0"`
	Tier  int    `json:"tier" validate:"gte=0"`
}

// Rank is one step of the rank ladder. Level 0 is reserved for unranked
// members.
type Rank struct {
	Level              int      `json:"level" validate:"gt=0"`
	Name               string   `json:"name" validate:"required"`
	MinPersonalPV      int64    `json:"min_personal_pv" validate:"gte=0"`
	MinPackageTier     int      `json:"min_package_tier" validate:"gte=0"`
	MinDirectReferrals int64    `json:"min_direct_referrals" validate:"gte=0"`
	MinTeamSize        int64    `json:"min_team_size" validate:"gte=0"`
	Reward             int64    `json:"reward" validate:"gte=0"`
	Privileges         []string `json:"privileges,omitempty"`
}

// Plan is the full set of compensation rules.
type Plan struct {
	Currency string    `json:"currency" validate:"required,len=3"`
	Packages []Package `json:"packages" validate:"required,min=1,dive"`

	DirectSponsorRate    decimal.Decimal   `json:"direct_sponsor_rate"`
	IndirectSponsorRates []decimal.Decimal `json:"indirect_sponsor_rates"`
	RollupRates          []decimal.Decimal `json:"rollup_rates"`
	UnilevelRates        []decimal.Decimal `json:"unilevel_rates"`
	UnilevelLapsedWeight decimal.Decimal   `json:"unilevel_lapsed_weight"`

	// PVValue converts one PV into minor currency units for PV based bonuses.
	PVValue int64 `json:"pv_value" validate:"gt=0"`

	VolumePerPair    int64 `json:"volume_per_pair" validate:"gt=0"`
	BonusPerPair     int64 `json:"bonus_per_pair" validate:"gt=0"`
	DailyPairCap     int64 `json:"daily_pair_cap" validate:"gt=0"`
	AggregationDepth int   `json:"aggregation_depth" validate:"gte=0"`

	WithholdRate  decimal.Decimal   `json:"withhold_rate"`
	WithholdTypes []model.BonusType `json:"withhold_types"`

	AllowInactiveSponsor bool `json:"allow_inactive_sponsor"`

	Ranks []Rank `json:"ranks" validate:"dive"`

	Timezone string `json:"timezone"`

	loc *time.Location
}

// Default returns the built-in plan.
func Default() *Plan {
	p := &Plan{
		Currency: "USD",
		Packages: []Package{
			{ID: "starter", Name: "Starter", Value: 10000, PV: 100, BV: 80, Tier: 1},
			{ID: "business", Name: "Business", Value: 30000, PV: 300, BV: 240, Tier: 2},
			{ID: "premium", Name: "Premium", Value: 60000, PV: 600, BV: 480, Tier: 3},
		},
		DirectSponsorRate: money.MustRate("0.30"),
		IndirectSponsorRates: []decimal.Decimal{
			money.MustRate("0.10"),
			money.MustRate("0.05"),
			money.MustRate("0.03"),
			money.MustRate("0.02"),
			money.MustRate("0.01"),
		},
		RollupRates: []decimal.Decimal{
			money.MustRate("0.10"),
			money.MustRate("0.05"),
		},
		UnilevelRates: []decimal.Decimal{
			money.MustRate("0.05"),
			money.MustRate("0.04"),
			money.MustRate("0.03"),
			money.MustRate("0.02"),
			money.MustRate("0.01"),
		},
		UnilevelLapsedWeight: money.MustRate("0.5"),
		PVValue:              100,
		VolumePerPair:        100,
		BonusPerPair:         1000,
		DailyPairCap:         10,
		WithholdRate:         money.MustRate("0.20"),
		WithholdTypes: []model.BonusType{
			model.BonusIndirectSponsor,
			model.BonusRollup,
			model.BonusUnilevel,
		},
		Ranks: []Rank{
			{Level: 1, Name: "Bronze", MinPersonalPV: 100, MinPackageTier: 1},
			{Level: 2, Name: "Silver", MinPersonalPV: 200, MinPackageTier: 1, MinDirectReferrals: 2, MinTeamSize: 6, Reward: 10000},
			{Level: 3, Name: "Gold", MinPersonalPV: 500, MinPackageTier: 2, MinDirectReferrals: 4, MinTeamSize: 30, Reward: 50000,
				Privileges: []string{"leadership_pool"}},
			{Level: 4, Name: "Platinum", MinPersonalPV: 1000, MinPackageTier: 3, MinDirectReferrals: 6, MinTeamSize: 100, Reward: 200000,
				Privileges: []string{"leadership_pool", "travel_incentive"}},
			{Level: 5, Name: "Diamond", MinPersonalPV: 2000, MinPackageTier: 3, MinDirectReferrals: 10, MinTeamSize: 500, Reward: 1000000,
				Privileges: []string{"leadership_pool", "travel_incentive", "car_fund"}},
		},
		Timezone: "UTC",
	}
	p.loc = time.UTC
	return p
}

// Load reads a JSON plan from path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Plan, error) {
	p := Default()
	if path == "" {
		return p, p.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the plan and resolves its timezone.
func (p *Plan) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	rates := map[string][]decimal.Decimal{
		"direct_sponsor_rate":    {p.DirectSponsorRate},
		"indirect_sponsor_rates": p.IndirectSponsorRates,
		"rollup_rates":           p.RollupRates,
		"unilevel_rates":         p.UnilevelRates,
		"unilevel_lapsed_weight": {p.UnilevelLapsedWeight},
		"withhold_rate":          {p.WithholdRate},
	}
	one := decimal.NewFromInt(1)
	for name, rs := range rates {
		for _, r := range rs {
			if r.IsNegative() || r.GreaterThan(one) {
				return fmt.Errorf("invalid plan: %s must be within [0, 1], got %s", name, r)
			}
		}
	}

	for _, t := range p.WithholdTypes {
		if !t.Valid() {
			return fmt.Errorf("invalid plan: unknown withhold type %q", t)
		}
	}

	seen := make(map[string]bool, len(p.Packages))
	for _, pkg := range p.Packages {
		if seen[pkg.ID] {
			return fmt.Errorf("invalid plan: duplicate package %q", pkg.ID)
		}
		seen[pkg.ID] = true
	}

	for i, r := range p.Ranks {
		if r.Level != i+1 {
			return fmt.Errorf("invalid plan: rank %q has level %d, want %d", r.Name, r.Level, i+1)
		}
	}

	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid plan timezone: %w", err)
	}
	p.loc = loc
	return nil
}

// Package looks up a catalog entry.
func (p *Plan) Package(id string) (Package, bool) {
	for _, pkg := range p.Packages {
		if pkg.ID == id {
			return pkg, true
		}
	}
	return Package{}, false
}

// Rank returns the ladder entry for level; ok is false for level 0 and
// unknown levels.
func (p *Plan) Rank(level int) (Rank, bool) {
	if level < 1 || level > len(p.Ranks) {
		return Rank{}, false
	}
	return p.Ranks[level-1], true
}

// Withheld reports whether part of a bonus of type t goes to awaiting.
func (p *Plan) Withheld(t model.BonusType) bool {
	for _, wt := range p.WithholdTypes {
		if wt == t {
			return true
		}
	}
	return false
}

// Location is the plan timezone. Pairing days and compliance periods cut
// over at midnight in this zone for every member.
func (p *Plan) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// Day returns the plan day of t as YYYY-MM-DD.
func (p *Plan) Day(t time.Time) string {
	return t.In(p.Location()).Format("2006-01-02")
}

// Period returns the compliance period (calendar month) containing t as a
// half-open interval [start, end).
func (p *Plan) Period(t time.Time) (start, end time.Time) {
	t = t.In(p.Location())
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, p.Location())
	return start, start.AddDate(0, 1, 0)
}

// InPeriod reports whether a and b fall in the same compliance period.
func (p *Plan) InPeriod(a, b time.Time) bool {
	start, end := p.Period(b)
	return !a.Before(start) && a.Before(end)
}
