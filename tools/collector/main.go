// collector receives signed inventories over HTTPS, verifies them and
// answers with receipts. It is the reference peer for the https transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vocdoni/gofirma/tracelet/internal/app"
	"github.com/vocdoni/gofirma/tracelet/internal/collector"
	"github.com/vocdoni/gofirma/tracelet/internal/config"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
	"github.com/vocdoni/gofirma/tracelet/internal/verify"
	"github.com/vocdoni/gofirma/tracelet/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to tracelet.yaml (default: $TRACELET_CONFIG)")
	listen := flagSet.String("listen", "", "override collector.listen")
	showVersion := flagSet.Bool("version", false, "print the build version")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print(os.Stdout, "tracelet-collector")
		return nil
	}

	cfg, err := config.LoadCollector(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Collector.Listen = *listen
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	cc := cfg.Collector
	tlsCfg, roots, err := collector.ServerTLSConfig(cc.CertPath, cc.KeyPath, cc.ClientCAPath)
	if err != nil {
		return err
	}

	nonces := verify.NewMemoryNonceCache(verify.WithNonceTTL(cc.NonceWindow()))
	defer nonces.Close()

	var audit *storage.AuditLogger
	if cfg.Audit.Enabled {
		if audit, err = storage.NewAuditLogger(cfg.Audit.Dir, logger); err != nil {
			return err
		}
	}

	handler, err := collector.New(collector.Options{
		RootNamespace: cfg.Transport.RootNamespace,
		Verifier: verify.New(verify.Options{
			Roots:   roots,
			MaxSkew: cc.MaxSkew,
			Nonces:  nonces,
		}),
		Audit:  audit,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	srv := collector.NewServer(cc.Listen, tlsCfg, handler, logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collector listening", "addr", cc.Listen, "root", cfg.Transport.RootNamespace)
		errCh <- srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("collector shutting down")
	return srv.Shutdown(shutdownCtx)
}
