package bonus

import (
	"context"

	"github.com/shopspring/decimal"

	"settlement-service/internal/model"
	"settlement-service/internal/money"
	"settlement-service/internal/plan"
)

// generational pays rates[i] of base to the sponsor at generation
// firstGen+i. Inactive sponsors are skipped without passing their share up.
func generational(ctx context.Context, members Members, memberID string, base int64, firstGen int, rates []decimal.Decimal) ([]model.BonusRecord, error) {
	if len(rates) == 0 || base <= 0 {
		return nil, nil
	}
	chain, err := SponsorChain(ctx, members, memberID, firstGen-1+len(rates))
	if err != nil {
		return nil, err
	}

	var out []model.BonusRecord
	for i, rate := range rates {
		idx := firstGen - 1 + i
		if idx >= len(chain) {
			break
		}
		recipient := chain[idx]
		if !recipient.Active {
			continue
		}
		out = append(out, model.BonusRecord{
			MemberID:   recipient.ID,
			Amount:     money.ApplyRate(base, rate),
			Generation: firstGen + i,
		})
	}
	return out, nil
}

// DirectSponsor pays the direct sponsor a share of the purchase value.
var DirectSponsor = Strategy{
	Type: model.BonusDirectSponsor,
	Compute: func(ctx context.Context, p *plan.Plan, members Members, in Input) ([]model.BonusRecord, error) {
		return generational(ctx, members, in.MemberID, in.Amount, 1, []decimal.Decimal{p.DirectSponsorRate})
	},
}

// IndirectSponsor pays generations 2 and up along the sponsor chain on a
// decaying schedule.
var IndirectSponsor = Strategy{
	Type: model.BonusIndirectSponsor,
	Compute: func(ctx context.Context, p *plan.Plan, members Members, in Input) ([]model.BonusRecord, error) {
		return generational(ctx, members, in.MemberID, in.Amount, 2, p.IndirectSponsorRates)
	},
}

// Rollup pays the direct sponsor and the next sponsor up a share of an
// upgrade's value delta.
var Rollup = Strategy{
	Type: model.BonusRollup,
	Compute: func(ctx context.Context, p *plan.Plan, members Members, in Input) ([]model.BonusRecord, error) {
		return generational(ctx, members, in.MemberID, in.Amount, 1, p.RollupRates)
	},
}

// Unilevel pays the sponsor chain a share of the repurchase PV, valued at
// the plan's PV rate. A purchaser whose compliance lapsed earns the upline
// only the lapsed weight.
var Unilevel = Strategy{
	Type: model.BonusUnilevel,
	Compute: func(ctx context.Context, p *plan.Plan, members Members, in Input) ([]model.BonusRecord, error) {
		weight := decimal.NewFromInt(1)
		if !in.Continuous {
			weight = p.UnilevelLapsedWeight
		}
		rates := make([]decimal.Decimal, len(p.UnilevelRates))
		for i, r := range p.UnilevelRates {
			rates[i] = r.Mul(weight)
		}
		return generational(ctx, members, in.MemberID, in.PV*p.PVValue, 1, rates)
	},
}
