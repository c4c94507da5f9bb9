// Package config loads the substrate configuration from environment
// variables, optionally layered over a YAML profile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option. Environment variables win over
// the profile file; defaults fill the rest.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	Environment string `yaml:"environment"`

	DatabaseURL string `yaml:"databaseUrl"`

	// Signing. The KMS key is preferred; the proxy is the alternate
	// backend; with neither, a derived local signer is used outside
	// production.
	AuditSigningKMSKeyID string `yaml:"auditSigningKmsKeyId"`
	SigningProxyURL      string `yaml:"signingProxyUrl"`
	AuditSignerKid       string `yaml:"auditSignerKid"`
	RequireKMS           bool   `yaml:"requireKms"`
	RequireMTLS          bool   `yaml:"requireMtls"`

	SentinelURL       string `yaml:"sentinelUrl"`
	FinanceURL        string `yaml:"financeUrl"`
	ReasoningGraphURL string `yaml:"reasoningGraphUrl"`

	VectorDBProvider  string `yaml:"vectorDbProvider"` // postgres | external
	VectorDBURL       string `yaml:"vectorDbUrl"`
	VectorDBNamespace string `yaml:"vectorDbNamespace"`

	PromotionThreshold         float64 `yaml:"promotionThreshold"`
	PromotionHysteresisWindows int     `yaml:"promotionHysteresisWindows"`

	CanaryRollbackThreshold float64       `yaml:"canaryRollbackThreshold"`
	CanaryRollbackWindow    time.Duration `yaml:"canaryRollbackWindow"`

	IdempotencyTTLSeconds int64 `yaml:"idempotencyTtlSeconds"`

	UpgradeApproverIDs       []string `yaml:"upgradeApproverIds"`
	UpgradeRequiredApprovals int      `yaml:"upgradeRequiredApprovals"`

	MaxAutoApply int64 `yaml:"maxAutoApply"`

	// FinanceProofPublicKey is the base64 ed25519 key settlement proofs
	// are verified against.
	FinanceProofPublicKey string `yaml:"financeProofPublicKey"`

	AllocPool    string `yaml:"allocPool"`
	PromoteDelta int64  `yaml:"promoteDelta"`
	CanaryDelta  int64  `yaml:"canaryDelta"`

	ArchiveBucket string `yaml:"archiveBucket"` // s3://, gs:// or mem://
	AWSRegion     string `yaml:"awsRegion"`
	S3Endpoint    string `yaml:"s3Endpoint"`

	RedisAddr string `yaml:"redisAddr"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Load builds the configuration: defaults, then the optional profile
// named by SUBSTRATE_PROFILE, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SUBSTRATE_PROFILE"); path != "" {
		if err := cfg.applyProfile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: databaseUrl (DATABASE_URL) is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                       "8080",
		LogLevel:                   "INFO",
		Environment:                "development",
		VectorDBProvider:           "postgres",
		VectorDBNamespace:          "default",
		PromotionThreshold:         0.85,
		PromotionHysteresisWindows: 3,
		CanaryRollbackThreshold:    0.5,
		CanaryRollbackWindow:       5 * time.Minute,
		IdempotencyTTLSeconds:      24 * 60 * 60,
		UpgradeRequiredApprovals:   3,
		MaxAutoApply:               8,
		AllocPool:                  "default",
		PromoteDelta:               1,
	}
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.AuditSigningKMSKeyID, "AUDIT_SIGNING_KMS_KEY_ID")
	setString(&c.SigningProxyURL, "SIGNING_PROXY_URL")
	setString(&c.AuditSignerKid, "AUDIT_SIGNER_KID")
	setString(&c.SentinelURL, "SENTINEL_URL")
	setString(&c.FinanceURL, "FINANCE_URL")
	setString(&c.ReasoningGraphURL, "REASONING_GRAPH_URL")
	setString(&c.VectorDBProvider, "VECTOR_DB_PROVIDER")
	setString(&c.VectorDBURL, "VECTOR_DB_URL")
	setString(&c.VectorDBNamespace, "VECTOR_DB_NAMESPACE")
	setString(&c.ArchiveBucket, "ARCHIVE_BUCKET")
	setString(&c.AWSRegion, "AWS_REGION")
	setString(&c.S3Endpoint, "S3_ENDPOINT")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&c.FinanceProofPublicKey, "FINANCE_PROOF_PUBLIC_KEY")
	setString(&c.AllocPool, "ALLOC_POOL")

	setFloat(&c.PromotionThreshold, "PROMOTION_THRESHOLD")
	setFloat(&c.CanaryRollbackThreshold, "CANARY_ROLLBACK_THRESHOLD")
	setInt(&c.PromotionHysteresisWindows, "PROMOTION_HYSTERESIS_WINDOWS")
	setInt(&c.UpgradeRequiredApprovals, "UPGRADE_REQUIRED_APPROVALS")
	setInt64(&c.IdempotencyTTLSeconds, "IDEMPOTENCY_TTL_SECONDS")
	setInt64(&c.MaxAutoApply, "MAX_AUTO_APPLY")
	setInt64(&c.PromoteDelta, "PROMOTE_DELTA")
	setInt64(&c.CanaryDelta, "CANARY_DELTA")
	setDuration(&c.CanaryRollbackWindow, "CANARY_ROLLBACK_WINDOW")

	if v := os.Getenv("UPGRADE_APPROVER_IDS"); v != "" {
		c.UpgradeApproverIDs = splitList(v)
	}

	// requireKms and requireMtls default true in production; an explicit
	// env value always wins.
	c.RequireKMS = boolDefault("REQUIRE_KMS", c.RequireKMS || c.Production())
	c.RequireMTLS = boolDefault("REQUIRE_MTLS", c.RequireMTLS || c.Production())
}

// Production reports whether the environment is production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IdempotencyTTL returns the key TTL as a duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func boolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
