package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Validate checks the policy for required fields and sane values. It is run
// on initial load and before every hot swap, so a bad edit never replaces a
// working policy.
func Validate(cfg *PolicyConfig) error {
	var errs []string

	if cfg.Version == "" {
		errs = append(errs, "version is required")
	}

	checkAmount := func(field, raw string) {
		if raw == "" {
			errs = append(errs, fmt.Sprintf("risk.%s is required", field))
			return
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("risk.%s: invalid decimal %q", field, raw))
			return
		}
		if d.IsNegative() {
			errs = append(errs, fmt.Sprintf("risk.%s must not be negative, got %s", field, raw))
		}
	}
	checkAmount("atm_daily_limit", cfg.Risk.ATMDailyLimit)
	checkAmount("pos_daily_limit", cfg.Risk.POSDailyLimit)

	seen := make(map[string]struct{}, len(cfg.Risk.NonQualifiedCategories))
	for i, mcc := range cfg.Risk.NonQualifiedCategories {
		if mcc == "" {
			errs = append(errs, fmt.Sprintf("risk.non_qualified_categories[%d] is empty", i))
			continue
		}
		if _, dup := seen[mcc]; dup {
			errs = append(errs, fmt.Sprintf("risk.non_qualified_categories: duplicate %q", mcc))
		}
		seen[mcc] = struct{}{}
	}

	if cfg.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline.workers must be >= 1")
	}
	if cfg.Pipeline.QueueDepth < 1 {
		errs = append(errs, "pipeline.queue_depth must be >= 1")
	}
	if cfg.Pipeline.BatchTimeoutMs < 0 {
		errs = append(errs, "pipeline.batch_timeout_ms must not be negative")
	}

	if cfg.Breaker.ConsecutiveFailures < 1 {
		errs = append(errs, "breaker.consecutive_failures must be >= 1")
	}
	if cfg.Breaker.FailureRatio <= 0 || cfg.Breaker.FailureRatio > 1 {
		errs = append(errs, "breaker.failure_ratio must be in (0, 1]")
	}
	if cfg.Breaker.CooldownMs < 1 {
		errs = append(errs, "breaker.cooldown_ms must be >= 1")
	}
	if cfg.Breaker.CallTimeoutMs < 1 {
		errs = append(errs, "breaker.call_timeout_ms must be >= 1")
	}

	if cfg.Retry.Attempts < 1 {
		errs = append(errs, "retry.attempts must be >= 1")
	}
	if cfg.Retry.BackoffBaseMs < 0 {
		errs = append(errs, "retry.backoff_base_ms must not be negative")
	}

	if cfg.Idempotency.StaleAfterMs < 1 {
		errs = append(errs, "idempotency.stale_after_ms must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
