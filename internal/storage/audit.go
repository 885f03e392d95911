// Package storage keeps the local audit trail of publish cycles.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
)

// AuditEntry records the outcome of one cycle on the device, or of one
// received envelope on the collector.
type AuditEntry struct {
	Timestamp   string `json:"timestamp"`
	CycleID     string `json:"cycleId,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Identity    string `json:"identity,omitempty"`
	Destination string `json:"destination,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ReceiptID   string `json:"receiptId,omitempty"`
}

// AuditLogger appends entries to <dir>/audit.jsonl. The file is opened per
// write so external rotation is safe.
type AuditLogger struct {
	mu       sync.Mutex
	filePath string
	now      func() time.Time
	logger   *slog.Logger
}

func NewAuditLogger(dir string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuditLogger{
		filePath: filepath.Join(dir, "audit.jsonl"),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Path returns the audit file location.
func (l *AuditLogger) Path() string {
	return l.filePath
}

func (l *AuditLogger) Log(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = l.now().UTC().Format(time.RFC3339)
	l.logger.Debug("audit entry", "cycle_id", entry.CycleID, "status", entry.Status)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// ReadAll returns every well-formed entry. Corrupt lines are skipped.
func (l *AuditLogger) ReadAll() ([]AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	entries := []AuditEntry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			l.logger.Debug("skipping corrupt audit line", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("failed to read audit file: %w", err)
	}
	return entries, nil
}
