// Package audit records administrative and billing-relevant actions to an
// append-only JSON lines file. Admin credentials are never stored raw; each
// entry carries an HMAC fingerprint of the key that authorized the action.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Action names an auditable operation.
type Action string

const (
	ActionPrewarm      Action = "prewarm"
	ActionClaim        Action = "claim"
	ActionTerminate    Action = "terminate"
	ActionIdleShutdown Action = "idle_shutdown"
	ActionSetPoolSize  Action = "set_pool_size"
	ActionSetSafeMode  Action = "set_safe_mode"
	ActionJobSubmitted Action = "job_submitted"
)

// Entry is one audit record.
type Entry struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Action         Action          `json:"action"`
	ContractID     string          `json:"contract_id,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	CostPerHour    decimal.Decimal `json:"cost_per_hour,omitempty"`
	KeyFingerprint string          `json:"key_fingerprint,omitempty"`
}

// Logger appends audit entries to a file.
type Logger struct {
	path      string
	hmacKey   []byte
	retention time.Duration
	logger    *zap.Logger

	mu sync.Mutex
}

// NewLogger creates an audit logger writing JSON lines to path. hmacSecret
// keys the admin fingerprints; retention bounds how long entries are kept
// by Cleanup (zero disables pruning).
func NewLogger(path string, hmacSecret string, retention time.Duration, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &Logger{
		path:      path,
		hmacKey:   []byte(hmacSecret),
		retention: retention,
		logger:    logger,
	}, nil
}

// Record appends an entry, filling in ID and timestamp. adminKey may be
// empty for system-initiated actions.
func (l *Logger) Record(_ context.Context, entry Entry, adminKey string) error {
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()
	if adminKey != "" {
		entry.KeyFingerprint = l.Fingerprint(adminKey)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Fingerprint returns the HMAC-SHA256 fingerprint of a credential, truncated
// to 16 hex chars. Enough to correlate entries, useless for recovery.
func (l *Logger) Fingerprint(key string) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Recent returns up to limit entries newest-first.
func (l *Logger) Recent(_ context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	// Newest last on disk; reverse for the caller.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Cleanup rewrites the log keeping only entries within the retention
// window. No-op when retention is disabled or the file is missing.
func (l *Logger) Cleanup(_ context.Context) error {
	if l.retention <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().UTC().Add(-l.retention)
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create temp audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace audit log: %w", err)
	}

	l.logger.Info("Pruned audit log",
		zap.Int("removed", len(entries)-len(kept)),
		zap.Int("kept", len(kept)))
	return nil
}

func (l *Logger) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Skip corrupt lines rather than losing the whole log.
			l.logger.Warn("Skipping corrupt audit entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}
