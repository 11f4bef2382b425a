package config

// PolicyConfig is the top-level YAML structure for the hot-reloadable
// policy file (regulatory limits and resilience tuning).
type PolicyConfig struct {
	Version     string          `yaml:"version"`
	Risk        RiskConf        `yaml:"risk"`
	Pipeline    PipelineConf    `yaml:"pipeline"`
	Breaker     BreakerConf     `yaml:"breaker"`
	Retry       RetryConf       `yaml:"retry"`
	Idempotency IdempotencyConf `yaml:"idempotency"`
}

// RiskConf holds withdrawal limits. Amounts are decimal strings so that
// regulatory values round-trip exactly (no float parsing).
type RiskConf struct {
	ATMDailyLimit          string   `yaml:"atm_daily_limit"`
	POSDailyLimit          string   `yaml:"pos_daily_limit"`
	NonQualifiedCategories []string `yaml:"non_qualified_categories"`
}

// PipelineConf holds tunable concurrency settings.
type PipelineConf struct {
	Workers        int `yaml:"workers"`
	QueueDepth     int `yaml:"queue_depth"`
	BatchTimeoutMs int `yaml:"batch_timeout_ms"`
	AuditTimeoutMs int `yaml:"audit_timeout_ms"`
}

// BreakerConf configures the downstream circuit breaker.
type BreakerConf struct {
	ConsecutiveFailures uint32  `yaml:"consecutive_failures"`
	FailureRatio        float64 `yaml:"failure_ratio"`
	MinRequests         uint32  `yaml:"min_requests"`
	CooldownMs          int     `yaml:"cooldown_ms"`
	HalfOpenMaxRequests uint32  `yaml:"half_open_max_requests"`
	CallTimeoutMs       int     `yaml:"call_timeout_ms"`
}

// RetryConf bounds gateway retries for idempotent downstream calls.
type RetryConf struct {
	Attempts      int `yaml:"attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
}

// IdempotencyConf controls recovery of dangling pending records.
type IdempotencyConf struct {
	StaleAfterMs int `yaml:"stale_after_ms"`
}
