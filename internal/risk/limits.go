package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/adityaverma/withdrawguard/internal/config"
)

// LimitsFrom builds evaluator limits from a validated policy.
func LimitsFrom(cfg *config.PolicyConfig) (Limits, error) {
	atm, err := decimal.NewFromString(cfg.Risk.ATMDailyLimit)
	if err != nil {
		return Limits{}, fmt.Errorf("risk.atm_daily_limit: %w", err)
	}
	pos, err := decimal.NewFromString(cfg.Risk.POSDailyLimit)
	if err != nil {
		return Limits{}, fmt.Errorf("risk.pos_daily_limit: %w", err)
	}

	categories := make(map[string]struct{}, len(cfg.Risk.NonQualifiedCategories))
	for _, mcc := range cfg.Risk.NonQualifiedCategories {
		categories[mcc] = struct{}{}
	}

	return Limits{
		ATMDailyLimit:          atm,
		POSDailyLimit:          pos,
		NonQualifiedCategories: categories,
	}, nil
}
