// Package collector is the receiving end of the HTTPS transport. It
// authenticates devices by their client certificate, verifies every
// envelope and answers with a receipt.
package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocdoni/gofirma/tracelet/internal/crypto/certs"
	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/net"
	"github.com/vocdoni/gofirma/tracelet/internal/storage"
	"github.com/vocdoni/gofirma/tracelet/internal/verify"
	"github.com/vocdoni/gofirma/tracelet/internal/version"
)

// DefaultMaxBodyBytes bounds a single envelope.
const DefaultMaxBodyBytes = 32 << 20

type Options struct {
	// RootNamespace is the path prefix devices publish under.
	RootNamespace string
	Verifier      *verify.Verifier
	// Audit is optional.
	Audit        *storage.AuditLogger
	Logger       *slog.Logger
	MaxBodyBytes int64
	Now          func() time.Time
}

// Device is what the collector remembers about a publisher.
type Device struct {
	Identity       string
	Issuer         string
	Accepted       int
	Rejected       int
	LastDigest     string
	LastSigAlg     string
	LastReceivedAt time.Time
	LastSBOM       model.Document
	// Agent is the tracelet version the device last reported.
	Agent    string
	Outdated bool
}

type Handler struct {
	opts Options
	root string

	mu      sync.Mutex
	devices map[string]*Device
}

func New(opts Options) (*Handler, error) {
	if opts.Verifier == nil {
		return nil, errors.New("collector needs a verifier")
	}
	if opts.RootNamespace == "" {
		opts.RootNamespace = net.DefaultRootNamespace
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		opts:    opts,
		root:    "/" + strings.Trim(opts.RootNamespace, "/") + "/",
		devices: make(map[string]*Device),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		h.serveDashboard(w)
	case strings.HasPrefix(r.URL.Path, h.root):
		h.serveEnvelope(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, h.opts.Logger, http.StatusMethodNotAllowed,
			model.Receipt{Status: model.ReceiptRejected, Error: "method not allowed"})
		return
	}
	identity := strings.TrimPrefix(r.URL.Path, h.root)
	if identity == "" || strings.Contains(identity, "/") {
		http.NotFound(w, r)
		return
	}
	log := h.opts.Logger.With("identity", identity, "remote", r.RemoteAddr)
	entry := storage.AuditEntry{Identity: identity, Destination: strings.TrimPrefix(r.URL.Path, "/")}

	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		h.rejected(w, log, entry, http.StatusUnauthorized, errors.New("client certificate required"))
		return
	}
	peer, err := certs.ExtractIdentity(r.TLS.PeerCertificates[0])
	if err != nil || peer.CommonName != identity {
		h.rejected(w, log, entry, http.StatusForbidden,
			fmt.Errorf("%w: client certificate CN %q", verify.ErrIdentityMismatch, peer.CommonName))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.rejected(w, log, entry, status, err)
		return
	}
	env, err := model.ParseEnvelope(body)
	if err != nil {
		h.rejected(w, log, entry, http.StatusBadRequest, err)
		return
	}
	entry.Digest = env.Digest
	entry.Nonce = env.Nonce

	report, err := h.opts.Verifier.Verify(r.Context(), env, identity)
	if err != nil {
		h.rejected(w, log, entry, statusFor(err), err)
		return
	}

	now := h.opts.Now().UTC()
	receipt := model.Receipt{
		Status:     model.ReceiptOK,
		ReceiptID:  uuid.NewString(),
		ReceivedAt: now.Format(time.RFC3339),
	}
	entry.Status = storage.StatusAccepted
	entry.ReceiptID = receipt.ReceiptID
	h.audit(log, entry)

	h.mu.Lock()
	d := h.device(identity)
	d.Issuer = report.Issuer
	d.Accepted++
	d.LastDigest = report.Digest
	d.LastSigAlg = report.SigAlg
	d.LastReceivedAt = now
	d.LastSBOM = env.SBOM
	if agent, ok := strings.CutPrefix(r.UserAgent(), "tracelet/"); ok {
		d.Agent = agent
		d.Outdated = version.IsOutdated(agent, version.Current())
	}
	h.mu.Unlock()

	log.Info("envelope accepted",
		"event", "envelope.accepted",
		"digest", report.Digest,
		"sig_alg", report.SigAlg,
		"receipt_id", receipt.ReceiptID,
	)
	h.respond(w, log, http.StatusCreated, receipt)
}

func (h *Handler) rejected(w http.ResponseWriter, log *slog.Logger, entry storage.AuditEntry, status int, err error) {
	entry.Status = storage.StatusRejected
	entry.Error = err.Error()
	h.audit(log, entry)

	h.mu.Lock()
	if d, ok := h.devices[entry.Identity]; ok {
		d.Rejected++
	}
	h.mu.Unlock()

	log.Warn("envelope rejected", "event", "envelope.rejected", "status", status, "error", err)
	h.respond(w, log, status, model.Receipt{Status: model.ReceiptRejected, Error: err.Error()})
}

func (h *Handler) respond(w http.ResponseWriter, log *slog.Logger, status int, receipt model.Receipt) {
	if err := writeReceipt(w, status, receipt); err != nil {
		log.Warn("receipt write failed", "event", "receipt.write_failed", "status", status, "error", err)
	}
}

func (h *Handler) audit(log *slog.Logger, entry storage.AuditEntry) {
	if h.opts.Audit == nil {
		return
	}
	if err := h.opts.Audit.Log(entry); err != nil {
		log.Error("audit write failed", "error", err)
	}
}

// device must be called with mu held.
func (h *Handler) device(identity string) *Device {
	d, ok := h.devices[identity]
	if !ok {
		d = &Device{Identity: identity}
		h.devices[identity] = d
	}
	return d
}

// Devices returns a snapshot sorted by identity.
func (h *Handler) Devices() []Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, verify.ErrUntrustedSigner), errors.Is(err, verify.ErrIdentityMismatch):
		return http.StatusForbidden
	case errors.Is(err, verify.ErrReplay):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidEnvelope):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeReceipt(w http.ResponseWriter, status int, receipt model.Receipt) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(receipt)
}
