// Package config loads the tracelet configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the TRACELET_CONFIG environment variable. Secrets never live in the file:
// it names the environment variables that hold them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vocdoni/gofirma/tracelet/internal/net"
	"github.com/vocdoni/gofirma/tracelet/internal/signer"
)

// EnvConfigPath is consulted when no explicit path is given.
const EnvConfigPath = "TRACELET_CONFIG"

const (
	TransportMQTT  = "mqtt"
	TransportHTTPS = "https"

	BackendFile     = "file"
	BackendPKCS12   = "pkcs12"
	BackendPKCS11   = "pkcs11"
	BackendKeychain = "keychain"

	SourceDir  = "dir"
	SourceHTTP = "http"
)

type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Signing     SigningConfig     `yaml:"signing"`
	Inventory   InventoryConfig   `yaml:"inventory"`
	Retry       RetryConfig       `yaml:"retry"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
	Collector   CollectorConfig   `yaml:"collector"`
}

// TransportConfig describes how envelopes reach the collector.
type TransportConfig struct {
	// Kind is "mqtt" or "https".
	Kind string `yaml:"kind"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RootNamespace prefixes the per-device destination.
	// Default: device/sbom
	RootNamespace string `yaml:"root_namespace"`

	// MinTLSVersion is "1.2" or "1.3". Peer validation cannot be disabled.
	MinTLSVersion string `yaml:"min_tls_version"`

	// QoS is the MQTT delivery level, 1 or 2.
	QoS int `yaml:"qos"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// Address returns host:port.
func (t TransportConfig) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

type CredentialsConfig struct {
	// Backend is file, pkcs12, pkcs11 or keychain.
	Backend string `yaml:"backend"`

	KeyPath  string `yaml:"key_path"`
	CertPath string `yaml:"cert_path"`
	CAPath   string `yaml:"ca_path"`

	// PassphraseEnv names the variable holding the sealed-key passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`

	PKCS12Path string `yaml:"pkcs12_path"`
	// PasswordEnv names the variable holding the PKCS#12 password.
	PasswordEnv string `yaml:"password_env"`

	PKCS11   PKCS11Config   `yaml:"pkcs11"`
	Keychain KeychainConfig `yaml:"keychain"`
}

type PKCS11Config struct {
	Module   string `yaml:"module"`
	Slot     uint   `yaml:"slot"`
	PINEnv   string `yaml:"pin_env"`
	KeyLabel string `yaml:"key_label"`
	// KeyID is hex encoded.
	KeyID string `yaml:"key_id"`
}

type KeychainConfig struct {
	CommonName  string `yaml:"common_name"`
	Fingerprint string `yaml:"fingerprint"`
}

type SigningConfig struct {
	// Scheme is the sig_alg. Default: RSASSA-PKCS1-v1_5-SHA256
	Scheme string `yaml:"scheme"`
}

type InventoryConfig struct {
	// Source is "dir" or "http".
	Source string `yaml:"source"`
	Dir    string `yaml:"dir"`
	URL    string `yaml:"url"`
	// Default selector when none is given on the command line.
	Default string `yaml:"default"`
	// TestSequence lists the selectors published by the test mode.
	TestSequence []string `yaml:"test_sequence"`
}

type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	// MaxAttempts of 0 means retry until the context ends.
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// CollectorConfig configures tools/collector.
type CollectorConfig struct {
	Listen       string        `yaml:"listen"`
	CertPath     string        `yaml:"cert_path"`
	KeyPath      string        `yaml:"key_path"`
	ClientCAPath string        `yaml:"client_ca_path"`
	MaxSkew      time.Duration `yaml:"max_skew"`
	NonceTTL     time.Duration `yaml:"nonce_ttl"`
}

// Default returns the configuration every file is merged into.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:           TransportMQTT,
			Port:           8883,
			RootNamespace:  net.DefaultRootNamespace,
			MinTLSVersion:  "1.2",
			QoS:            1,
			ConnectTimeout: net.DefaultConnectTimeout,
			AckTimeout:     net.DefaultAckTimeout,
			KeepAlive:      30 * time.Second,
		},
		Credentials: CredentialsConfig{
			Backend: BackendFile,
		},
		Signing: SigningConfig{
			Scheme: signer.DefaultScheme,
		},
		Inventory: InventoryConfig{
			Source:       SourceDir,
			Dir:          "sample_sboms",
			Default:      "bom.1.2.json",
			TestSequence: []string{"bom.1.2.json", "bom.1.3.json", "bom.1.4.json"},
		},
		Retry: RetryConfig{
			InitialDelay: 2 * time.Second,
			MaxDelay:     2 * time.Minute,
			Multiplier:   2.0,
			MaxAttempts:  5,
			Jitter:       0.1,
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     "${HOME}/.tracelet",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Collector: CollectorConfig{
			Listen:  ":8443",
			MaxSkew: 300 * time.Second,
		},
	}
}

// Load reads path, or TRACELET_CONFIG when path is empty, and validates
// the device settings. There is no automatic discovery.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadCollector is Load for tools/collector: only the collector settings
// are validated.
func LoadCollector(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateCollector(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tracelet.yaml config file, or use --config flag", EnvConfigPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	for _, p := range []*string{
		&c.Credentials.KeyPath,
		&c.Credentials.CertPath,
		&c.Credentials.CAPath,
		&c.Credentials.PKCS12Path,
		&c.Credentials.PKCS11.Module,
		&c.Inventory.Dir,
		&c.Audit.Dir,
		&c.Collector.CertPath,
		&c.Collector.KeyPath,
		&c.Collector.ClientCAPath,
	} {
		*p = expandVars(*p, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the device side of the configuration.
func (c *Config) Validate() error {
	var errs []error

	t := c.Transport
	switch t.Kind {
	case TransportMQTT, TransportHTTPS:
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be one of: [%s %s]", TransportMQTT, TransportHTTPS))
	}
	if t.Host == "" {
		errs = append(errs, errors.New("transport.host is required"))
	}
	if t.Port <= 0 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("transport.port %d out of range", t.Port))
	}
	if t.Kind == TransportMQTT && t.QoS != 1 && t.QoS != 2 {
		errs = append(errs, fmt.Errorf("transport.qos must be 1 or 2, got %d", t.QoS))
	}
	if _, err := net.ParseTLSVersion(t.MinTLSVersion); err != nil {
		errs = append(errs, fmt.Errorf("transport.min_tls_version: %w", err))
	}
	if t.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("transport.connect_timeout must be positive"))
	}
	if t.AckTimeout <= 0 {
		errs = append(errs, errors.New("transport.ack_timeout must be positive"))
	}
	if _, err := net.Destination(t.RootNamespace, "device"); err != nil || strings.ContainsAny(t.RootNamespace, "+#") {
		errs = append(errs, fmt.Errorf("transport.root_namespace %q is not a valid topic prefix", t.RootNamespace))
	}

	cr := c.Credentials
	switch cr.Backend {
	case BackendFile:
		if cr.KeyPath == "" || cr.CertPath == "" {
			errs = append(errs, errors.New("credentials.key_path and credentials.cert_path are required for the file backend"))
		}
	case BackendPKCS12:
		if cr.PKCS12Path == "" {
			errs = append(errs, errors.New("credentials.pkcs12_path is required for the pkcs12 backend"))
		}
	case BackendPKCS11:
		if cr.PKCS11.Module == "" || cr.CertPath == "" {
			errs = append(errs, errors.New("credentials.pkcs11.module and credentials.cert_path are required for the pkcs11 backend"))
		}
		if cr.PKCS11.KeyLabel == "" && cr.PKCS11.KeyID == "" {
			errs = append(errs, errors.New("credentials.pkcs11 needs key_label or key_id"))
		}
	case BackendKeychain:
		if cr.Keychain.CommonName == "" && cr.Keychain.Fingerprint == "" {
			errs = append(errs, errors.New("credentials.keychain needs common_name or fingerprint"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.backend %q is not one of: [file pkcs12 pkcs11 keychain]", cr.Backend))
	}
	if cr.CAPath == "" {
		errs = append(errs, errors.New("credentials.ca_path is required"))
	}

	if _, err := signer.LookupScheme(c.Signing.Scheme); err != nil {
		errs = append(errs, fmt.Errorf("signing.scheme: %w", err))
	}

	switch c.Inventory.Source {
	case SourceDir:
		if c.Inventory.Dir == "" {
			errs = append(errs, errors.New("inventory.dir is required"))
		}
	case SourceHTTP:
		if c.Inventory.URL == "" {
			errs = append(errs, errors.New("inventory.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("inventory.source must be one of: [%s %s]", SourceDir, SourceHTTP))
	}

	r := c.Retry
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		errs = append(errs, errors.New("retry.initial_delay must be positive and not above retry.max_delay"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}

	if c.Audit.Enabled && c.Audit.Dir == "" {
		errs = append(errs, errors.New("audit.dir is required when audit is enabled"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseLevel maps a log level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Secret returns the value of the environment variable named by envName.
// An empty name yields an empty secret.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

// ValidateCollector checks the settings tools/collector depends on.
func (c *Config) ValidateCollector() error {
	var errs []error
	cc := c.Collector
	if cc.Listen == "" {
		errs = append(errs, errors.New("collector.listen is required"))
	}
	if cc.CertPath == "" || cc.KeyPath == "" {
		errs = append(errs, errors.New("collector.cert_path and collector.key_path are required"))
	}
	if cc.ClientCAPath == "" {
		errs = append(errs, errors.New("collector.client_ca_path is required"))
	}
	if _, err := net.Destination(c.Transport.RootNamespace, "device"); err != nil {
		errs = append(errs, fmt.Errorf("transport.root_namespace: %w", err))
	}
	// A nonce has to outlive every timestamp the skew check still accepts,
	// which spans max_skew on both sides of the receive time.
	if cc.MaxSkew <= 0 {
		errs = append(errs, fmt.Errorf("collector.max_skew must be positive, got %s", cc.MaxSkew))
	} else if cc.NonceTTL < 0 || (cc.NonceTTL > 0 && cc.NonceTTL < 2*cc.MaxSkew) {
		errs = append(errs, fmt.Errorf("collector.nonce_ttl %s must be at least twice max_skew (%s)", cc.NonceTTL, 2*cc.MaxSkew))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NonceWindow is how long the collector remembers a nonce: nonce_ttl when
// set, otherwise twice max_skew.
func (c CollectorConfig) NonceWindow() time.Duration {
	if c.NonceTTL > 0 {
		return c.NonceTTL
	}
	return 2 * c.MaxSkew
}
