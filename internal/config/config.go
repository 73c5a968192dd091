// Package config provides configuration loading and validation for the
// authorization server.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/searchwarden/searchwarden/internal/authz"
)

const (
	// StorageTypeMemory keeps credential records in process memory.
	StorageTypeMemory = "memory"

	// StorageTypeOpenSearch persists credential records in a cluster
	// index.
	StorageTypeOpenSearch = "opensearch"
)

// Option defines the interface for configuration options.
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file.
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure.
type Config struct {
	// Address is the HTTP listen address, default ":8090".
	Address string `yaml:"address,omitempty"`

	// SecurityConfigDir is the directory holding the authorization
	// configuration files (roles.yml, roles_mapping.yml, ...).
	SecurityConfigDir string `yaml:"securityConfigDir"`

	// SnapshotRetention is how many historical configuration snapshots
	// stay evaluable for outstanding credentials.
	SnapshotRetention int `yaml:"snapshotRetention,omitempty"`

	Authz     AuthzConfig      `yaml:"authz,omitempty"`
	Tokens    TokensConfig     `yaml:"tokens"`
	Tenants   *TenantsConfig   `yaml:"tenants,omitempty"`
	Auth      *AuthConfig      `yaml:"auth,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// AuthzConfig tunes the restriction-merge engine.
type AuthzConfig struct {
	// EmptyOverridesAll lets a role granting plain, unfiltered access
	// lift the restrictions contributed by other roles.
	EmptyOverridesAll bool `yaml:"emptyOverridesAll,omitempty"`

	// DLSClauselessMode decides how a matching entry without a DLS
	// clause contributes: "unrestricted" (default) or "excluded".
	DLSClauselessMode string `yaml:"dlsClauselessMode,omitempty"`

	// MaskingSaltFile is the path to a file holding the field-masking
	// salt. Required when any role uses masked fields.
	MaskingSaltFile string `yaml:"maskingSaltFile,omitempty"`
}

// TokensConfig configures scoped-credential issuance.
type TokensConfig struct {
	// SigningKey is the base64-encoded HMAC signing key, at least 32
	// bytes decoded. SigningKeyFile takes precedence when set.
	SigningKey     string `yaml:"signingKey,omitempty"`
	SigningKeyFile string `yaml:"signingKeyFile,omitempty"`

	// EncryptionKey optionally enables JWE encryption of issued
	// credentials; base64, exactly 32 bytes decoded.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`

	// Audience identifies this cluster in issued credentials.
	Audience string `yaml:"audience"`

	// MaxValidity caps credential lifetime (duration string).
	MaxValidity string `yaml:"maxValidity,omitempty"`

	// Storage selects the credential store backend.
	Storage StorageConfig `yaml:"storage,omitempty"`
}

// StorageConfig selects and configures the credential store.
type StorageConfig struct {
	// Type is "memory" or "opensearch"; default "memory".
	Type string `yaml:"type,omitempty"`

	OpenSearch *OpenSearchConfig `yaml:"opensearch,omitempty"`
}

// OpenSearchConfig holds cluster connection settings for the durable
// credential store.
type OpenSearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username,omitempty"`

	// PasswordFile is the path to a file containing the password.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Index overrides the default credential index name.
	Index string `yaml:"index,omitempty"`
}

// TenantsConfig configures tenant resolution.
type TenantsConfig struct {
	// BaseResource is the base backing-resource name tenants hang off,
	// e.g. ".kibana".
	BaseResource string `yaml:"baseResource"`
}

// AuthConfig configures validation of externally issued JWTs.
type AuthConfig struct {
	// JWKSURL is the provider endpoint serving verification keys.
	JWKSURL string `yaml:"jwksUrl"`

	// Audience and Issuer, when set, are enforced on external tokens.
	Audience string `yaml:"audience,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`

	// RolesClaim names the claim carrying backend roles, default
	// "roles".
	RolesClaim string `yaml:"rolesClaim,omitempty"`

	// AttributePaths maps principal attribute names to claim paths for
	// ${attr.*} template expansion.
	AttributePaths map[string]string `yaml:"attributePaths,omitempty"`
}

// TelemetryConfig configures metrics collection.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// GetAddress returns the listen address, defaulting to ":8090".
func (c *Config) GetAddress() string {
	if c.Address == "" {
		return ":8090"
	}
	return c.Address
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if c.SecurityConfigDir == "" {
		return fmt.Errorf("securityConfigDir is required")
	}
	if c.SnapshotRetention < 0 {
		return fmt.Errorf("snapshotRetention must not be negative")
	}
	if err := c.Authz.validate(); err != nil {
		return err
	}
	if err := c.Tokens.validate(); err != nil {
		return err
	}
	if c.Tenants != nil && c.Tenants.BaseResource == "" {
		return fmt.Errorf("tenants.baseResource is required when tenants are configured")
	}
	if c.Auth != nil && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwksUrl is required when auth is configured")
	}
	return nil
}

func (a *AuthzConfig) validate() error {
	switch a.DLSClauselessMode {
	case "", "unrestricted", "excluded":
	default:
		return fmt.Errorf("authz.dlsClauselessMode must be 'unrestricted' or 'excluded', got %q",
			a.DLSClauselessMode)
	}
	return nil
}

// ClauselessMode returns the configured clause-less DLS mode.
func (a *AuthzConfig) ClauselessMode() authz.ClauselessDLSMode {
	if a.DLSClauselessMode == "excluded" {
		return authz.ClauselessExcluded
	}
	return authz.ClauselessUnrestricted
}

// MaskingSalt reads the field-masking salt, or nil when none is
// configured.
func (a *AuthzConfig) MaskingSalt() ([]byte, error) {
	if a.MaskingSaltFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(a.MaskingSaltFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read masking salt from %s: %w", a.MaskingSaltFile, err)
	}
	salt := strings.TrimSpace(string(data))
	if salt == "" {
		return nil, fmt.Errorf("masking salt file %s is empty", a.MaskingSaltFile)
	}
	return []byte(salt), nil
}

func (t *TokensConfig) validate() error {
	if t.SigningKey == "" && t.SigningKeyFile == "" {
		return fmt.Errorf("tokens: one of signingKey or signingKeyFile is required")
	}
	if t.Audience == "" {
		return fmt.Errorf("tokens.audience is required")
	}
	if t.MaxValidity != "" {
		if _, err := time.ParseDuration(t.MaxValidity); err != nil {
			return fmt.Errorf("tokens.maxValidity must be a valid duration (e.g. '24h'): %w", err)
		}
	}
	switch t.Storage.Type {
	case "", StorageTypeMemory:
	case StorageTypeOpenSearch:
		if t.Storage.OpenSearch == nil || len(t.Storage.OpenSearch.Addresses) == 0 {
			return fmt.Errorf("tokens.storage.opensearch.addresses is required for opensearch storage")
		}
	default:
		return fmt.Errorf("tokens.storage.type must be '%s' or '%s', got %q",
			StorageTypeMemory, StorageTypeOpenSearch, t.Storage.Type)
	}
	return nil
}

// GetSigningKey decodes the signing key, preferring the key file over
// the inline value.
func (t *TokensConfig) GetSigningKey() ([]byte, error) {
	encoded := t.SigningKey
	if t.SigningKeyFile != "" {
		data, err := os.ReadFile(filepath.Clean(t.SigningKeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key from %s: %w", t.SigningKeyFile, err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid base64: %w", err)
	}
	return key, nil
}

// GetEncryptionKey decodes the optional encryption key; nil when not
// configured.
func (t *TokensConfig) GetEncryptionKey() ([]byte, error) {
	if t.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(t.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	return key, nil
}

// GetMaxValidity parses the credential lifetime cap; zero when unset.
func (t *TokensConfig) GetMaxValidity() time.Duration {
	if t.MaxValidity == "" {
		return 0
	}
	d, _ := time.ParseDuration(t.MaxValidity)
	return d
}

// GetStorageType returns the credential store backend, defaulting to
// memory.
func (s *StorageConfig) GetStorageType() string {
	if s.Type == "" {
		return StorageTypeMemory
	}
	return s.Type
}

// GetPassword returns the cluster password from the configured file or
// the SWD_OPENSEARCH_PASSWORD environment variable.
func (o *OpenSearchConfig) GetPassword() (string, error) {
	if o.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(o.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", o.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if envPassword := os.Getenv("SWD_OPENSEARCH_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}
	return "", nil
}
