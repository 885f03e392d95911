// tracelet signs the device software inventory and publishes it to the
// fleet collector over mutually authenticated TLS.
//
// Usage:
//
//	tracelet oneshot  [--config FILE] [--selector NAME]
//	tracelet periodic [--config FILE] [--interval DURATION]
//	tracelet test     [--config FILE] [--min-gap DURATION] [--max-gap DURATION]
//	tracelet verify   [--ca FILE] [--identity CN] [--max-skew DURATION] ENVELOPE
//	tracelet seal-key --in FILE --out FILE [--passphrase-env NAME]
//	tracelet audit    [--config FILE] [--dir DIR] [--limit N]
//	tracelet version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vocdoni/gofirma/tracelet/internal/version"
)

var errUsage = errors.New("usage error")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"oneshot", "publish one signed inventory and exit", runOneshot},
	{"periodic", "publish on a fixed interval until interrupted", runPeriodic},
	{"test", "publish the configured test sequence with random gaps", runTest},
	{"verify", "verify a signed envelope file", runVerify},
	{"seal-key", "encrypt a PEM private key with a passphrase", runSealKey},
	{"audit", "print the local audit log", runAudit},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	switch args[0] {
	case "version", "--version":
		version.Print(stdout, "tracelet")
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
	printUsage(stderr)
	return errUsage
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tracelet signs the device software inventory and publishes it to the collector.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  tracelet <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "  %-9s %s\n", "version", "print the build version")
}

// newFlagSet returns a ContinueOnError flag set whose errors go to stderr.
func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tracelet "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
