package interceptor

import (
	"fmt"
	"os"

	"github.com/ruteri/tee-confidential-io/interfaces"
	"gopkg.in/yaml.v3"
)

// maxPaddingSize bounds min_padding_size so the padding length always fits
// the object header field.
const maxPaddingSize = 65535

// PolicyConfig is the operator-supplied protection policy. It is validated
// once at load and immutable afterwards; changing policy means restarting the
// interceptor.
type PolicyConfig struct {
	// WhitelistPaths lists the protected path patterns, each a prefix
	// optionally containing glob metacharacters. Order matters only for
	// equally specific patterns.
	WhitelistPaths []string `yaml:"whitelist_paths"`

	// ProtectionMode is the default for paths no whitelist entry matches:
	// ENCRYPT, IGNORE or BLOCK.
	ProtectionMode string `yaml:"protection_mode"`

	// EnableRandomPadding pads short objects with random bytes up to
	// MinPaddingSize before sealing, hiding their true size.
	EnableRandomPadding bool `yaml:"enable_random_padding"`

	// MinPaddingSize is the padding boundary in bytes.
	MinPaddingSize uint `yaml:"min_padding_size"`

	// StorageURIs selects the object store backends sealed objects are
	// persisted to. Multiple URIs form a redundant multi-backend.
	StorageURIs []string `yaml:"storage"`

	// RotationIntervalDays bounds how long one subkey version stays
	// active. Zero uses the key service default.
	RotationIntervalDays uint `yaml:"rotation_interval_days"`
}

// LoadPolicyConfig reads and validates a policy file.
func LoadPolicyConfig(path string) (PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("reading policy file: %w", err)
	}
	return ParsePolicyConfig(data)
}

// ParsePolicyConfig parses and validates policy YAML.
func ParsePolicyConfig(data []byte) (PolicyConfig, error) {
	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PolicyConfig{}, fmt.Errorf("%w: parsing policy: %v", interfaces.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return PolicyConfig{}, err
	}
	return cfg, nil
}

// Validate checks the policy for internal consistency.
func (c PolicyConfig) Validate() error {
	if _, err := interfaces.ProtectionModeFromString(c.ProtectionMode); err != nil {
		return err
	}
	for _, p := range c.WhitelistPaths {
		if err := interfaces.ValidatePath(p); err != nil {
			return fmt.Errorf("whitelist entry %q: %w", p, err)
		}
	}
	if c.MinPaddingSize > maxPaddingSize {
		return fmt.Errorf("%w: min_padding_size %d over %d", interfaces.ErrInvalidArgument, c.MinPaddingSize, maxPaddingSize)
	}
	if c.EnableRandomPadding && c.MinPaddingSize == 0 {
		return fmt.Errorf("%w: random padding enabled with zero min_padding_size", interfaces.ErrInvalidArgument)
	}
	return nil
}

// DefaultMode returns the parsed default protection mode. Only valid after
// Validate.
func (c PolicyConfig) DefaultMode() interfaces.ProtectionMode {
	mode, _ := interfaces.ProtectionModeFromString(c.ProtectionMode)
	return mode
}
