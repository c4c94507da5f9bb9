package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is a named deployment preset shipped alongside the binary.
// Profiles carry the same keys as Config; unset keys leave the current
// value alone.
type Profile struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Config      *Config `yaml:"config"`
}

// applyProfile layers a profile file onto the receiver. The file may be
// either a bare Config document or a Profile wrapper with a config key.
func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if p.Config != nil {
		merge(c, p.Config)
		return nil
	}

	var flat Config
	if err := yaml.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	merge(c, &flat)
	return nil
}

// LoadProfile reads profile_<code>.yaml from profilesDir.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", code, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", code, err)
	}
	if p.Name == "" {
		p.Name = code
	}
	return &p, nil
}

func merge(dst, src *Config) {
	if src.Port != "" {
		dst.Port = src.Port
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Environment != "" {
		dst.Environment = src.Environment
	}
	if src.DatabaseURL != "" {
		dst.DatabaseURL = src.DatabaseURL
	}
	if src.AuditSigningKMSKeyID != "" {
		dst.AuditSigningKMSKeyID = src.AuditSigningKMSKeyID
	}
	if src.SigningProxyURL != "" {
		dst.SigningProxyURL = src.SigningProxyURL
	}
	if src.AuditSignerKid != "" {
		dst.AuditSignerKid = src.AuditSignerKid
	}
	if src.RequireKMS {
		dst.RequireKMS = true
	}
	if src.RequireMTLS {
		dst.RequireMTLS = true
	}
	if src.SentinelURL != "" {
		dst.SentinelURL = src.SentinelURL
	}
	if src.FinanceURL != "" {
		dst.FinanceURL = src.FinanceURL
	}
	if src.ReasoningGraphURL != "" {
		dst.ReasoningGraphURL = src.ReasoningGraphURL
	}
	if src.VectorDBProvider != "" {
		dst.VectorDBProvider = src.VectorDBProvider
	}
	if src.VectorDBURL != "" {
		dst.VectorDBURL = src.VectorDBURL
	}
	if src.VectorDBNamespace != "" {
		dst.VectorDBNamespace = src.VectorDBNamespace
	}
	if src.PromotionThreshold != 0 {
		dst.PromotionThreshold = src.PromotionThreshold
	}
	if src.PromotionHysteresisWindows != 0 {
		dst.PromotionHysteresisWindows = src.PromotionHysteresisWindows
	}
	if src.CanaryRollbackThreshold != 0 {
		dst.CanaryRollbackThreshold = src.CanaryRollbackThreshold
	}
	if src.CanaryRollbackWindow != 0 {
		dst.CanaryRollbackWindow = src.CanaryRollbackWindow
	}
	if src.IdempotencyTTLSeconds != 0 {
		dst.IdempotencyTTLSeconds = src.IdempotencyTTLSeconds
	}
	if len(src.UpgradeApproverIDs) > 0 {
		dst.UpgradeApproverIDs = src.UpgradeApproverIDs
	}
	if src.UpgradeRequiredApprovals != 0 {
		dst.UpgradeRequiredApprovals = src.UpgradeRequiredApprovals
	}
	if src.MaxAutoApply != 0 {
		dst.MaxAutoApply = src.MaxAutoApply
	}
	if src.FinanceProofPublicKey != "" {
		dst.FinanceProofPublicKey = src.FinanceProofPublicKey
	}
	if src.AllocPool != "" {
		dst.AllocPool = src.AllocPool
	}
	if src.PromoteDelta != 0 {
		dst.PromoteDelta = src.PromoteDelta
	}
	if src.CanaryDelta != 0 {
		dst.CanaryDelta = src.CanaryDelta
	}
	if src.ArchiveBucket != "" {
		dst.ArchiveBucket = src.ArchiveBucket
	}
	if src.AWSRegion != "" {
		dst.AWSRegion = src.AWSRegion
	}
	if src.S3Endpoint != "" {
		dst.S3Endpoint = src.S3Endpoint
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.OTLPEndpoint != "" {
		dst.OTLPEndpoint = src.OTLPEndpoint
	}
}
