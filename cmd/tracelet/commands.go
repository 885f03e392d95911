package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/app"
	"github.com/vocdoni/gofirma/tracelet/internal/config"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
	"github.com/vocdoni/gofirma/tracelet/internal/verify"
)

const defaultPassphraseEnv = "TRACELET_KEY_PASSPHRASE"

func loadApp(configPath string, stderr io.Writer) (*app.App, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.NewLogger(cfg.Log, stderr)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func cycleError(err error) error {
	return fmt.Errorf("%s (%w)", app.Describe(err), err)
}

func runOneshot(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("oneshot", stderr)
	configPath := fs.String("config", "", "path to tracelet.yaml (default: $TRACELET_CONFIG)")
	selector := fs.String("selector", "", "inventory document to publish (default: inventory.default)")
	if err := parse(fs, args); err != nil {
		return err
	}

	a, _, err := loadApp(*configPath, stderr)
	if err != nil {
		return err
	}
	res, err := a.RunWithRetry(ctx, *selector)
	if err != nil {
		return cycleError(err)
	}
	fmt.Fprintf(stdout, "delivered %s to %s (cycle %s, attempt %d)\n",
		res.Envelope.Digest, res.Delivery.Destination, res.CycleID, res.Attempt)
	return nil
}

func runPeriodic(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("periodic", stderr)
	configPath := fs.String("config", "", "path to tracelet.yaml (default: $TRACELET_CONFIG)")
	selector := fs.String("selector", "", "inventory document to publish (default: inventory.default)")
	interval := fs.Duration("interval", time.Hour, "time between cycles")
	if err := parse(fs, args); err != nil {
		return err
	}

	a, _, err := loadApp(*configPath, stderr)
	if err != nil {
		return err
	}
	a.Logger.Info("periodic publishing started", "interval", *interval)
	return a.RunPeriodic(ctx, *interval, *selector)
}

func runTest(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("test", stderr)
	configPath := fs.String("config", "", "path to tracelet.yaml (default: $TRACELET_CONFIG)")
	minGap := fs.Duration("min-gap", 30*time.Second, "shortest pause between documents")
	maxGap := fs.Duration("max-gap", 120*time.Second, "longest pause between documents")
	if err := parse(fs, args); err != nil {
		return err
	}

	a, cfg, err := loadApp(*configPath, stderr)
	if err != nil {
		return err
	}
	if err := a.RunTestSequence(ctx, cfg.Inventory.TestSequence, *minGap, *maxGap); err != nil {
		return cycleError(err)
	}
	fmt.Fprintf(stdout, "published %d test documents\n", len(cfg.Inventory.TestSequence))
	return nil
}

func runVerify(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("verify", stderr)
	caPath := fs.String("ca", "", "PEM bundle the signer chain must lead to (chain unchecked when empty)")
	identity := fs.String("identity", "", "expected device common name")
	maxSkew := fs.Duration("max-skew", verify.DefaultMaxSkew, "accepted timestamp distance; negative disables the check")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify takes exactly one envelope file")
		return errUsage
	}

	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		return err
	}

	opts := verify.Options{MaxSkew: *maxSkew}
	if *caPath != "" {
		pemBytes, err := os.ReadFile(*caPath)
		if err != nil {
			return err
		}
		opts.Roots = x509.NewCertPool()
		if !opts.Roots.AppendCertsFromPEM(pemBytes) {
			return fmt.Errorf("no certificates in %s", *caPath)
		}
	} else {
		fmt.Fprintln(stderr, "warning: no --ca given, signer chain not verified")
	}

	report, err := verify.New(opts).Verify(ctx, env, *identity)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runSealKey(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("seal-key", stderr)
	in := fs.String("in", "", "plain PEM private key")
	out := fs.String("out", "", "where to write the sealed key")
	passEnv := fs.String("passphrase-env", defaultPassphraseEnv, "environment variable holding the passphrase")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		fmt.Fprintln(stderr, "seal-key needs --in and --out")
		return errUsage
	}

	passphrase := config.Secret(*passEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is empty: %w", *passEnv, credstore.ErrPasswordRequired)
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	key, err := credstore.ParsePrivateKeyPEM(data, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", *in, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	sealed, err := credstore.Seal(der, []byte(passphrase))
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sealed key written to %s\n", *out)
	return nil
}

func runAudit(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("audit", stderr)
	configPath := fs.String("config", "", "path to tracelet.yaml (default: $TRACELET_CONFIG)")
	dir := fs.String("dir", "", "audit directory (overrides the config)")
	limit := fs.Int("limit", 0, "print only the last N entries")
	if err := parse(fs, args); err != nil {
		return err
	}

	if *dir == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if !cfg.Audit.Enabled {
			return errors.New("audit is disabled in the configuration")
		}
		*dir = cfg.Audit.Dir
	}
	audit, err := storage.NewAuditLogger(*dir, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	entries, err := audit.ReadAll()
	if err != nil {
		return err
	}
	if *limit > 0 && len(entries) > *limit {
		entries = entries[len(entries)-*limit:]
	}
	enc := json.NewEncoder(stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
