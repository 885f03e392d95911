package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdnet "net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/vocdoni/gofirma/tracelet/internal/model"
	"github.com/vocdoni/gofirma/tracelet/internal/version"
)

// HTTPSDialer delivers envelopes to a collector over HTTPS with client
// certificates. The TLS handshake happens in Dial, so an untrusted peer is
// rejected before any request is written.
type HTTPSDialer struct {
	// Address is host:port of the collector.
	Address string
}

func (d *HTTPSDialer) Dial(ctx context.Context, clientID string, tlsCfg *tls.Config) (Session, error) {
	cfg := tlsCfg.Clone()
	cfg.NextProtos = []string{"http/1.1"}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}

	s := &httpsSession{address: d.Address, conn: conn}
	s.transport = &http.Transport{
		DialTLSContext:    s.takeConn,
		DisableKeepAlives: false,
		MaxConnsPerHost:   1,
	}
	s.client = &http.Client{Transport: s.transport}
	return s, nil
}

type httpsSession struct {
	address   string
	transport *http.Transport
	client    *http.Client

	mu   sync.Mutex
	conn stdnet.Conn
}

// takeConn hands the pre-established connection to the transport once.
func (s *httpsSession) takeConn(ctx context.Context, network, addr string) (stdnet.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errors.New("session connection already consumed")
	}
	conn := s.conn
	s.conn = nil
	return conn, nil
}

// Publish posts payload and waits for the collector receipt.
func (s *httpsSession) Publish(ctx context.Context, destination string, payload []byte) error {
	target := url.URL{Scheme: "https", Host: s.address, Path: "/" + strings.TrimPrefix(destination, "/")}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("submit failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		if len(body) > 0 {
			return fmt.Errorf("unexpected status code: %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("unexpected status code: %d", httpResp.StatusCode)
	}

	var receipt model.Receipt
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 64<<10)).Decode(&receipt); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to decode receipt: %w", err)
	}
	if receipt.Status != model.ReceiptOK {
		return fmt.Errorf("collector rejected envelope: %s", receipt.Error)
	}
	return nil
}

func (s *httpsSession) Close() error {
	s.transport.CloseIdleConnections()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
