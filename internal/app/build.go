package app

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/config"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/inventory"
	"github.com/vocdoni/gofirma/tracelet/internal/net"
	"github.com/vocdoni/gofirma/tracelet/internal/signer"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// NewStore returns the credential backend named by cfg. Secrets are read
// from the environment here and nowhere else.
func NewStore(cfg config.CredentialsConfig) (credstore.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		var passphrase []byte
		if p := config.Secret(cfg.PassphraseEnv); p != "" {
			passphrase = []byte(p)
		}
		return &credstore.FileStore{
			KeyPath:    cfg.KeyPath,
			CertPath:   cfg.CertPath,
			CAPath:     cfg.CAPath,
			Passphrase: passphrase,
		}, nil
	case config.BackendPKCS12:
		return &credstore.PKCS12Store{
			Path:     cfg.PKCS12Path,
			Password: config.Secret(cfg.PasswordEnv),
			CAPath:   cfg.CAPath,
		}, nil
	case config.BackendPKCS11:
		var id []byte
		if cfg.PKCS11.KeyID != "" {
			var err error
			if id, err = hex.DecodeString(cfg.PKCS11.KeyID); err != nil {
				return nil, fmt.Errorf("credentials.pkcs11.key_id: %w", err)
			}
		}
		return &credstore.PKCS11Store{
			Module:   cfg.PKCS11.Module,
			Slot:     cfg.PKCS11.Slot,
			PIN:      config.Secret(cfg.PKCS11.PINEnv),
			KeyLabel: cfg.PKCS11.KeyLabel,
			KeyID:    id,
			CertPath: cfg.CertPath,
			CAPath:   cfg.CAPath,
		}, nil
	case config.BackendKeychain:
		return &credstore.KeychainStore{
			CommonName:     cfg.Keychain.CommonName,
			FingerprintHex: cfg.Keychain.Fingerprint,
			CAPath:         cfg.CAPath,
		}, nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}

// NewInventory returns the document source named by cfg.
func NewInventory(cfg config.InventoryConfig, logger *slog.Logger) (inventory.Provider, error) {
	switch cfg.Source {
	case config.SourceDir:
		return &inventory.DirProvider{Dir: cfg.Dir, Default: cfg.Default}, nil
	case config.SourceHTTP:
		return &inventory.HTTPProvider{
			BaseURL: cfg.URL,
			Default: cfg.Default,
			Client:  &http.Client{Timeout: 30 * time.Second},
			Logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown inventory source %q", cfg.Source)
	}
}

// NewDialer returns the transport named by cfg.
func NewDialer(cfg config.TransportConfig) (net.Dialer, error) {
	switch cfg.Kind {
	case config.TransportMQTT:
		if cfg.QoS < 0 || cfg.QoS > 2 {
			return nil, fmt.Errorf("unsupported MQTT QoS %d", cfg.QoS)
		}
		return &net.MQTTDialer{
			Broker:    "tls://" + cfg.Address(),
			QoS:       byte(cfg.QoS),
			KeepAlive: cfg.KeepAlive,
		}, nil
	case config.TransportHTTPS:
		return &net.HTTPSDialer{Address: cfg.Address()}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
	}
}

// Build wires an App from a validated configuration.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := NewStore(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	inv, err := NewInventory(cfg.Inventory, logger)
	if err != nil {
		return nil, err
	}
	sig, err := signer.New(store, signer.Options{
		Scheme: cfg.Signing.Scheme,
		Logger: logger.With("component", "signer"),
	})
	if err != nil {
		return nil, err
	}

	dialer, err := NewDialer(cfg.Transport)
	if err != nil {
		return nil, err
	}
	minVersion, err := net.ParseTLSVersion(cfg.Transport.MinTLSVersion)
	if err != nil {
		return nil, err
	}
	pub, err := net.NewPublisher(store, dialer, net.Config{
		ServerName:     cfg.Transport.Host,
		RootNamespace:  cfg.Transport.RootNamespace,
		MinTLSVersion:  minVersion,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		AckTimeout:     cfg.Transport.AckTimeout,
	}, logger.With("component", "publisher", "transport", cfg.Transport.Kind))
	if err != nil {
		return nil, err
	}

	a := &App{
		Inventory: inv,
		Signer:    sig,
		Publisher: pub,
		Logger:    logger,
		Retry:     cfg.Retry,
	}
	if cfg.Audit.Enabled {
		if a.Audit, err = storage.NewAuditLogger(cfg.Audit.Dir, logger); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}
	return a, nil
}
