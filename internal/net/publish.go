// Package net delivers signed envelopes to the collector over a mutually
// authenticated transport and waits for the acknowledgment.
package net

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tracelet/internal/crypto/credstore"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
)

const (
	DefaultRootNamespace  = "device/sbom"
	DefaultConnectTimeout = 10 * time.Second
	DefaultAckTimeout     = 10 * time.Second
)

// Session is one authenticated connection. Publish returns once the remote
// side has acknowledged payload.
type Session interface {
	Publish(ctx context.Context, destination string, payload []byte) error
	Close() error
}

// Dialer opens sessions. A failed handshake must surface before any
// payload is written.
type Dialer interface {
	Dial(ctx context.Context, clientID string, tlsCfg *tls.Config) (Session, error)
}

type Config struct {
	// ServerName is checked against the collector certificate.
	ServerName     string
	RootNamespace  string
	MinTLSVersion  uint16
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
}

// DeliveryResult is the outcome of one Publish call. Reason is nil on
// success and wraps one of ErrIdentity, ErrConnect, ErrPublish or
// ErrAckTimeout otherwise.
type DeliveryResult struct {
	Success     bool
	Reason      error
	Identity    string
	Destination string
	States      []State
}

func (r *DeliveryResult) enter(s State) {
	r.States = append(r.States, s)
}

func (r *DeliveryResult) fail(reason error) {
	r.Reason = reason
	r.enter(StateFailed)
}

// Publisher delivers envelopes. Every call reads the identity, dials and
// tears down its own session, so calls never share state.
type Publisher struct {
	store  credstore.Store
	dialer Dialer
	cfg    Config
	logger *slog.Logger
}

func NewPublisher(store credstore.Store, dialer Dialer, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if store == nil || dialer == nil {
		return nil, errors.New("publisher needs a credential store and a dialer")
	}
	if cfg.RootNamespace == "" {
		cfg.RootNamespace = DefaultRootNamespace
	}
	cfg.RootNamespace = strings.Trim(cfg.RootNamespace, "/")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{store: store, dialer: dialer, cfg: cfg, logger: logger}, nil
}

// ReadIdentity returns the identity of the store's leaf certificate.
func ReadIdentity(ctx context.Context, store credstore.Store) (certs.Identity, error) {
	chainPEM, err := store.LoadCertificateChain(ctx)
	if err != nil {
		return certs.Identity{}, fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	id, _, err := certs.LeafIdentity(chainPEM)
	if err != nil {
		return certs.Identity{}, fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	return id, nil
}

// Destination returns <root>/<identity>. The identity must be usable as a
// single topic level.
func Destination(root, identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: empty common name", ErrIdentity)
	}
	if strings.ContainsAny(identity, "/+#\x00") {
		return "", fmt.Errorf("%w: common name %q is not a valid topic level", ErrIdentity, identity)
	}
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultRootNamespace
	}
	return root + "/" + identity, nil
}

// Publish delivers env and reports the outcome. It never returns an error;
// failures are carried in the result.
func (p *Publisher) Publish(ctx context.Context, env *model.Envelope) (res DeliveryResult) {
	res.enter(StateIdle)

	var sess Session
	defer func() {
		if sess != nil {
			if err := sess.Close(); err != nil {
				p.logger.Debug("session close failed", "error", err)
			}
		}
		res.enter(StateClosed)
	}()

	id, err := ReadIdentity(ctx, p.store)
	if err != nil {
		res.fail(err)
		return res
	}
	res.Identity = id.CommonName

	dest, err := Destination(p.cfg.RootNamespace, id.CommonName)
	if err != nil {
		res.fail(err)
		return res
	}
	res.Destination = dest

	payload, err := env.Marshal()
	if err != nil {
		res.fail(fmt.Errorf("%w: %v", ErrPublish, err))
		return res
	}

	res.enter(StateConnecting)
	tlsCfg, err := BuildTLSConfig(ctx, p.store, p.cfg.ServerName, p.cfg.MinTLSVersion)
	if err != nil {
		res.fail(fmt.Errorf("%w: %v", ErrConnect, err))
		return res
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	sess, err = p.dialer.Dial(dialCtx, id.CommonName, tlsCfg)
	cancelDial()
	if err != nil {
		sess = nil
		res.fail(fmt.Errorf("%w: %v", ErrConnect, err))
		return res
	}
	res.enter(StateConnected)
	p.logger.Info("transport connected",
		"event", "transport.connected",
		"identity", id.CommonName,
		"server", p.cfg.ServerName,
	)

	res.enter(StatePublishing)
	ackCtx, cancelAck := context.WithTimeout(ctx, p.cfg.AckTimeout)
	err = sess.Publish(ackCtx, dest, payload)
	ackErr := ackCtx.Err()
	cancelAck()
	if err != nil {
		switch {
		case errors.Is(err, ErrAckTimeout):
			res.fail(err)
		case ackErr != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			res.fail(fmt.Errorf("%w: %v", ErrAckTimeout, err))
		default:
			res.fail(fmt.Errorf("%w: %v", ErrPublish, err))
		}
		return res
	}

	res.enter(StateAcknowledged)
	res.Success = true
	p.logger.Info("delivery acknowledged",
		"event", "delivery.acknowledged",
		"identity", id.CommonName,
		"destination", dest,
		"nonce", env.Nonce,
	)
	return res
}
