// Package config loads the gateway configuration from the environment.
// Every recognized key is enumerated here; validation rejects unknown enum
// values at load time and clamps TTLs per environment so a misconfigured
// prod deployment cannot end up with throwaway lock lifetimes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment is the deployment environment, from APP_ENV.
type Environment string

const (
	EnvDev   Environment = "dev"
	EnvStage Environment = "stage"
	EnvProd  Environment = "prod"
	EnvTest  Environment = "test"
)

// Config holds the full gateway configuration.
type Config struct {
	Env      Environment
	Port     string
	RedisURL string

	Idempotency IdempotencyConfig
	Policy      PolicyConfig
	Unicode     UnicodeConfig
	DupHeader   DupHeaderConfig
	HeaderLim   HeaderLimitConfig
	Verifier    VerifierConfig
	Risk        RiskConfig
	Escalation  EscalationConfig
	Quota       QuotaConfig
	Webhook     WebhookConfig
	Stream      StreamConfig
	Metrics     MetricsConfig
	Audit       AuditConfig
	Admin       AdminConfig
	Arms        ArmsConfig
	RateLimit   RateLimitConfig

	DecisionLogPath  string
	ConfigAuditPath  string
	DecisionArchive  string // sqlite path; empty disables the archive
	ThreatFeedURLs   []string
	ProxyUpstreamURL string
}

// IdempotencyConfig controls the single-flight engine.
type IdempotencyConfig struct {
	Backend          string // "memory" | "redis"
	Mode             string // "observe" | "enforce"
	RedisURL         string
	LockTTL          time.Duration
	ValueTTL         time.Duration
	WaitBudget       time.Duration
	BodyMaxBytes     int64
	TouchOnReplay    bool
	StrictFailClosed bool
	Methods          []string
}

// PolicyConfig controls the policy store.
type PolicyConfig struct {
	RulesDir     string
	DefaultPacks []string
	EnforceMode  string // "warn" | "block"
}

// UnicodeConfig controls the ingress unicode sanitizer.
type UnicodeConfig struct {
	Mode         string // "off" | "log" | "block"
	BlockedFlags []string
}

// DupHeaderConfig controls the duplicate-header guard.
type DupHeaderConfig struct {
	Mode       string // "off" | "log" | "block"
	UniqueSet  []string
	AllowNames []string // metric label allowlist; others collapse to _other
}

// HeaderLimitConfig controls header count/size limits.
type HeaderLimitConfig struct {
	Enabled       bool
	MaxCount      int
	MaxValueBytes int
}

// VerifierConfig controls the external verifier pipeline.
type VerifierConfig struct {
	Enabled           bool
	Providers         []string
	ProviderTimeout   time.Duration
	TotalTimeout      time.Duration
	MaxRetries        int
	CacheTTL          time.Duration
	TokenCap          int
	DailyTokenBudget  int
	AdaptiveRouting   bool
	ShadowSampleRate  float64
	ShadowConcurrency int
	BreakerFails      int
	BreakerCooldown   time.Duration
}

// RiskConfig controls the session risk store.
type RiskConfig struct {
	HalfLife time.Duration
	TTL      time.Duration
}

// EscalationConfig controls deny-window quarantine.
type EscalationConfig struct {
	Enabled       bool
	DenyThreshold int
	Window        time.Duration
	Cooldown      time.Duration
}

// QuotaConfig controls fixed-window quotas.
type QuotaConfig struct {
	Enabled  bool
	PerDay   int64
	PerMonth int64
}

// WebhookConfig controls decision webhook fan-out.
type WebhookConfig struct {
	URLs             []string
	Secret           string
	SigningMode      string // "v1" | "dual"
	Timeout          time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffHorizon   time.Duration
	CBErrorThreshold int
	CBWindow         int
	CBCooldown       time.Duration
	DLQPath          string
}

// StreamConfig controls the streaming egress guard.
type StreamConfig struct {
	LookbackChars    int
	FlushMinBytes    int
	DenyOnPrivateKey bool
}

// MetricsConfig bounds metric label cardinality.
type MetricsConfig struct {
	LabelCardMax     int
	LabelPairCardMax int
	OverflowLabel    string
}

// AuditConfig controls the audit event log and its optional forwarder.
type AuditConfig struct {
	Path       string
	ForwardURL string
	Token      string
	HMACSecret string
}

// AdminConfig controls the diagnostic admin surface.
type AdminConfig struct {
	Token      string
	User       string
	PassBcrypt string // bcrypt hash of the admin password
	JWTSecret  string
}

// ArmsConfig controls mode arbitration between ingress and egress arms.
type ArmsConfig struct {
	EgressOnlyOnIngressDegraded bool
}

// RateLimitConfig controls the per-IP limiter on public endpoints.
type RateLimitConfig struct {
	Enabled bool
	RPS     int
	Burst   int
}

// Load reads the configuration from environment variables, applies
// defaults, validates enums, and clamps per-environment limits.
func Load() (*Config, error) {
	env := Environment(envStr("APP_ENV", "dev"))
	switch env {
	case EnvDev, EnvStage, EnvProd, EnvTest:
	default:
		return nil, fmt.Errorf("config: APP_ENV %q not in {dev,stage,prod,test}", env)
	}

	cfg := &Config{
		Env:      env,
		Port:     envStr("PORT", "8080"),
		RedisURL: envStr("REDIS_URL", ""),

		Idempotency: IdempotencyConfig{
			Backend:          envStr("IDEMPOTENCY_BACKEND", "memory"),
			Mode:             envStr("IDEMPOTENCY_MODE", "enforce"),
			RedisURL:         envStr("IDEMP_REDIS_URL", envStr("REDIS_URL", "")),
			LockTTL:          envSeconds("IDEMPOTENCY_LOCK_TTL_S", 30),
			ValueTTL:         envSeconds("IDEMPOTENCY_VALUE_TTL_S", 24*3600),
			WaitBudget:       envMillis("IDEMPOTENCY_WAIT_BUDGET_MS", 2000),
			BodyMaxBytes:     envInt64("IDEMPOTENCY_BODY_MAX_BYTES", 1<<20),
			TouchOnReplay:    envBool("IDEMP_TOUCH_ON_REPLAY", false),
			StrictFailClosed: envBool("IDEMP_STRICT_FAIL_CLOSED", env == EnvProd),
			Methods:          envList("IDEMPOTENCY_METHODS", []string{"POST", "PUT", "PATCH"}),
		},
		Policy: PolicyConfig{
			RulesDir:     envStr("RULES_DIR", "rules"),
			DefaultPacks: envList("POLICY_DEFAULT_PACKS", []string{"default"}),
			EnforceMode:  envStr("POLICY_VALIDATE_ENFORCE", "warn"),
		},
		Unicode: UnicodeConfig{
			Mode:         envStr("UNICODE_ENFORCEMENT", "log"),
			BlockedFlags: envList("UNICODE_BLOCKED_FLAGS", []string{"bidi", "zwc"}),
		},
		DupHeader: DupHeaderConfig{
			Mode:       envStr("DUP_HEADER_MODE", "log"),
			UniqueSet:  envList("DUP_HEADER_UNIQUE", []string{"content-type", "content-length", "authorization", "idempotency-key", "x-request-id"}),
			AllowNames: envList("DUP_HEADER_METRIC_ALLOW", []string{"content-type", "content-length", "authorization", "idempotency-key", "x-request-id"}),
		},
		HeaderLim: HeaderLimitConfig{
			Enabled:       envBool("HEADER_LIMITS_ENABLED", false),
			MaxCount:      envInt("MAX_HEADER_COUNT", 100),
			MaxValueBytes: envInt("MAX_HEADER_VALUE_BYTES", 8192),
		},
		Verifier: VerifierConfig{
			Enabled:           envBool("VERIFIER_ENABLED", false),
			Providers:         envList("VERIFIER_PROVIDERS", nil),
			ProviderTimeout:   envMillis("VERIFIER_PROVIDER_TIMEOUT_MS", 2000),
			TotalTimeout:      envMillis("VERIFIER_TOTAL_TIMEOUT_MS", 5000),
			MaxRetries:        envInt("VERIFIER_MAX_RETRIES", 1),
			CacheTTL:          envSeconds("VERIFIER_CACHE_TTL_S", 300),
			TokenCap:          envInt("VERIFIER_TOKEN_CAP", 4096),
			DailyTokenBudget:  envInt("VERIFIER_DAILY_TOKEN_BUDGET", 1_000_000),
			AdaptiveRouting:   envBool("VERIFIER_ADAPTIVE_ROUTING", false),
			ShadowSampleRate:  envFloat("VERIFIER_SHADOW_SAMPLE_RATE", 0),
			ShadowConcurrency: envInt("VERIFIER_SHADOW_CONCURRENCY", 2),
			BreakerFails:      envInt("VERIFIER_BREAKER_FAILS", 5),
			BreakerCooldown:   envSeconds("VERIFIER_BREAKER_COOLDOWN_S", 30),
		},
		Risk: RiskConfig{
			HalfLife: envSeconds("RISK_HALF_LIFE_S", 600),
			TTL:      envSeconds("RISK_TTL_S", 3600),
		},
		Escalation: EscalationConfig{
			Enabled:       envBool("ESCALATION_ENABLED", true),
			DenyThreshold: envInt("ESCALATION_DENY_THRESHOLD", 5),
			Window:        envSeconds("ESCALATION_WINDOW_SECS", 300),
			Cooldown:      envSeconds("ESCALATION_COOLDOWN_SECS", 300),
		},
		Quota: QuotaConfig{
			Enabled:  envBool("QUOTA_ENABLED", false),
			PerDay:   envInt64("QUOTA_PER_DAY", 10_000),
			PerMonth: envInt64("QUOTA_PER_MONTH", 200_000),
		},
		Webhook: WebhookConfig{
			URLs:             envList("WEBHOOK_URLS", nil),
			Secret:           envStr("WEBHOOK_SECRET", ""),
			SigningMode:      envStr("WEBHOOK_SIGNING_MODE", "v1"),
			Timeout:          envMillis("WEBHOOK_TIMEOUT_MS", 5000),
			MaxRetries:       envInt("WEBHOOK_MAX_RETRIES", 5),
			BackoffBase:      envMillis("WEBHOOK_BACKOFF_BASE_MS", 250),
			BackoffMax:       envMillis("WEBHOOK_BACKOFF_MAX_MS", 30_000),
			BackoffHorizon:   envMillis("WEBHOOK_BACKOFF_HORIZON_MS", 900_000),
			CBErrorThreshold: envInt("WEBHOOK_CB_ERROR_THRESHOLD", 5),
			CBWindow:         envInt("WEBHOOK_CB_WINDOW", 20),
			CBCooldown:       envSeconds("WEBHOOK_CB_COOLDOWN_SEC", 60),
			DLQPath:          envStr("WEBHOOK_DLQ_PATH", "webhook_dlq.ndjson"),
		},
		Stream: StreamConfig{
			LookbackChars:    envInt("STREAM_LOOKBACK_CHARS", 256),
			FlushMinBytes:    envInt("STREAM_FLUSH_MIN_BYTES", 0),
			DenyOnPrivateKey: envBool("STREAM_DENY_PRIVATE_KEY", true),
		},
		Metrics: MetricsConfig{
			LabelCardMax:     envInt("METRICS_LABEL_CARD_MAX", 1000),
			LabelPairCardMax: envInt("METRICS_LABEL_PAIR_CARD_MAX", 1000),
			OverflowLabel:    envStr("METRICS_LABEL_OVERFLOW", "__overflow__"),
		},
		Audit: AuditConfig{
			Path:       envStr("AUDIT_LOG_PATH", "audit.ndjson"),
			ForwardURL: envStr("AUDIT_FORWARD_URL", ""),
			Token:      envStr("AUDIT_FORWARD_TOKEN", ""),
			HMACSecret: envStr("AUDIT_FORWARD_HMAC_SECRET", ""),
		},
		Admin: AdminConfig{
			Token:      envStr("ADMIN_UI_TOKEN", ""),
			User:       envStr("ADMIN_UI_USER", ""),
			PassBcrypt: envStr("ADMIN_UI_PASS", ""),
			JWTSecret:  envStr("ADMIN_UI_SECRET", ""),
		},
		Arms: ArmsConfig{
			EgressOnlyOnIngressDegraded: envBool("EGRESS_ONLY_ON_INGRESS_DEGRADED", true),
		},
		RateLimit: RateLimitConfig{
			Enabled: envBool("RATE_LIMIT_ENABLED", false),
			RPS:     envInt("RATE_LIMIT_RPS", 50),
			Burst:   envInt("RATE_LIMIT_BURST", 100),
		},

		DecisionLogPath:  envStr("DECISION_LOG_PATH", "decisions.ndjson"),
		ConfigAuditPath:  envStr("CONFIG_AUDIT_PATH", "config_audit.ndjson"),
		DecisionArchive:  envStr("DECISION_ARCHIVE_SQLITE", ""),
		ThreatFeedURLs:   envList("THREAT_FEED_URLS", nil),
		ProxyUpstreamURL: envStr("PROXY_UPSTREAM_URL", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) validate() error {
	if err := oneOf("IDEMPOTENCY_BACKEND", c.Idempotency.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("IDEMPOTENCY_MODE", c.Idempotency.Mode, "observe", "enforce"); err != nil {
		return err
	}
	if err := oneOf("POLICY_VALIDATE_ENFORCE", c.Policy.EnforceMode, "warn", "block"); err != nil {
		return err
	}
	if err := oneOf("UNICODE_ENFORCEMENT", c.Unicode.Mode, "off", "log", "block"); err != nil {
		return err
	}
	if err := oneOf("DUP_HEADER_MODE", c.DupHeader.Mode, "off", "log", "block"); err != nil {
		return err
	}
	if err := oneOf("WEBHOOK_SIGNING_MODE", c.Webhook.SigningMode, "v1", "dual"); err != nil {
		return err
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.RedisURL == "" {
		return fmt.Errorf("config: IDEMPOTENCY_BACKEND=redis requires IDEMP_REDIS_URL or REDIS_URL")
	}
	return nil
}

// clamp enforces per-environment minimums so prod cannot run with
// throwaway TTLs and test runs stay fast.
func (c *Config) clamp() {
	switch c.Env {
	case EnvProd:
		if c.Idempotency.LockTTL < 60*time.Second {
			c.Idempotency.LockTTL = 60 * time.Second
		}
		if c.Idempotency.ValueTTL < time.Hour {
			c.Idempotency.ValueTTL = time.Hour
		}
	case EnvStage:
		if c.Idempotency.LockTTL < 30*time.Second {
			c.Idempotency.LockTTL = 30 * time.Second
		}
	case EnvTest:
		if c.Idempotency.WaitBudget > 500*time.Millisecond {
			c.Idempotency.WaitBudget = 500 * time.Millisecond
		}
	}
	if c.Webhook.BackoffHorizon <= 0 {
		c.Webhook.BackoffHorizon = 900_000 * time.Millisecond
	}
}

func oneOf(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s %q not in {%s}", key, val, strings.Join(allowed, ","))
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envSeconds(key string, def int64) time.Duration {
	return time.Duration(envInt64(key, def)) * time.Second
}

func envMillis(key string, def int64) time.Duration {
	return time.Duration(envInt64(key, def)) * time.Millisecond
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
