// Package app runs publish cycles: fetch the inventory, sign it, deliver
// it, record the outcome.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vocdoni/gofirma/tracelet/internal/canon"
	"github.com/vocdoni/gofirma/tracelet/internal/config"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/inventory"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/net"
	"github.com/vocdoni/gofirma/tracelet/internal/signer"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
)

type EnvelopeSigner interface {
	Sign(ctx context.Context, doc model.Document) (*model.Envelope, error)
}

type EnvelopePublisher interface {
	Publish(ctx context.Context, env *model.Envelope) net.DeliveryResult
}

type App struct {
	Inventory inventory.Provider
	Signer    EnvelopeSigner
	Publisher EnvelopePublisher
	// Audit is optional.
	Audit  *storage.AuditLogger
	Logger *slog.Logger
	Retry  config.RetryConfig

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// CycleResult is the outcome of one fetch, sign and publish pass.
type CycleResult struct {
	CycleID  string
	Selector string
	Attempt  int
	Envelope *model.Envelope
	Delivery net.DeliveryResult
}

func (a *App) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

// RunCycle performs one complete cycle. Each call signs anew, so nothing
// from an earlier failed cycle is reused.
func (a *App) RunCycle(ctx context.Context, selector string) (*CycleResult, error) {
	return a.runCycle(ctx, selector, 1)
}

func (a *App) runCycle(ctx context.Context, selector string, attempt int) (*CycleResult, error) {
	res := &CycleResult{CycleID: uuid.NewString(), Selector: selector, Attempt: attempt}
	log := a.logger().With("cycle_id", res.CycleID, "selector", selector, "attempt", attempt)
	log.Info("cycle started", "event", "cycle.started")

	err := a.cycle(ctx, res, log)
	a.audit(res, err, log)
	if err != nil {
		log.Warn("cycle failed",
			"event", "cycle.failed",
			"error", err,
			"recoverable", Recoverable(err),
		)
		return res, err
	}
	return res, nil
}

func (a *App) cycle(ctx context.Context, res *CycleResult, log *slog.Logger) error {
	doc, err := a.Inventory.GetInventory(ctx, res.Selector)
	if err != nil {
		return fmt.Errorf("inventory: %w", err)
	}

	env, err := a.Signer.Sign(ctx, doc)
	if err != nil {
		return err
	}
	res.Envelope = env
	log.Info("envelope signed",
		"event", "cycle.signed",
		"digest", env.Digest,
		"nonce", env.Nonce,
		"sig_alg", env.SigAlg,
	)

	res.Delivery = a.Publisher.Publish(ctx, env)
	if !res.Delivery.Success {
		if res.Delivery.Reason == nil {
			return net.ErrPublish
		}
		return res.Delivery.Reason
	}
	return nil
}

func (a *App) audit(res *CycleResult, cycleErr error, log *slog.Logger) {
	if a.Audit == nil {
		return
	}
	entry := storage.AuditEntry{
		CycleID:     res.CycleID,
		Selector:    res.Selector,
		Attempt:     res.Attempt,
		Identity:    res.Delivery.Identity,
		Destination: res.Delivery.Destination,
		Status:      storage.StatusDelivered,
	}
	if res.Envelope != nil {
		entry.Digest = res.Envelope.Digest
		entry.Nonce = res.Envelope.Nonce
	}
	if cycleErr != nil {
		entry.Status = storage.StatusFailed
		entry.Error = cycleErr.Error()
	}
	if err := a.Audit.Log(entry); err != nil {
		log.Error("audit write failed", "error", err)
	}
}

// Recoverable reports whether a fresh cycle may succeed where this one
// failed.
func Recoverable(err error) bool {
	return errors.Is(err, net.ErrIdentity) ||
		errors.Is(err, net.ErrConnect) ||
		errors.Is(err, net.ErrPublish) ||
		errors.Is(err, net.ErrAckTimeout)
}

// Describe turns a cycle error into a one-line message for the operator.
func Describe(err error) string {
	switch {
	case err == nil:
		return "Delivered."
	case errors.Is(err, credstore.ErrNotFound),
		errors.Is(err, credstore.ErrPasswordRequired),
		errors.Is(err, credstore.ErrWrongPassword),
		errors.Is(err, credstore.ErrInvalidFile):
		return credstore.FriendlyError(err)
	case errors.Is(err, signer.ErrKeyLoad):
		return "The signing key could not be used with the device certificate."
	case errors.Is(err, signer.ErrSigning):
		return "Signing the inventory failed."
	case errors.Is(err, canon.ErrInvalidDocument):
		return "The inventory document is not valid JSON or cannot be canonicalized."
	case errors.Is(err, inventory.ErrNotFound):
		return "The requested inventory document does not exist."
	case errors.Is(err, inventory.ErrInvalidSelector):
		return "The inventory selector is not allowed."
	case errors.Is(err, net.ErrIdentity):
		return "The device identity could not be read from its certificate."
	case errors.Is(err, net.ErrConnect):
		return "Could not establish a trusted connection to the collector."
	case errors.Is(err, net.ErrAckTimeout):
		return "The collector did not acknowledge the envelope in time."
	case errors.Is(err, net.ErrPublish):
		return "The collector refused or dropped the envelope."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Interrupted."
	default:
		return err.Error()
	}
}
