// Package eventlog appends per-tenant activity records to the external
// store (spec §4.5). Writes are best-effort and never fail the operation
// that produced them: a store failure is reported through the process
// logger and the entry is dropped. The insert runs synchronously in the
// caller's goroutine.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/store"
)

// Writer appends structured activity log entries for a tenant.
type Writer struct {
	st store.Store
}

// New builds a Writer backed by st.
func New(st store.Store) *Writer {
	return &Writer{st: st}
}

// Info writes an info-level entry. data is marshaled to JSON; marshal
// failure is itself logged and the write is skipped.
func (w *Writer) Info(ctx context.Context, accountID string, data map[string]interface{}) {
	w.write(ctx, accountID, store.LogLevelInfo, data)
}

// Error writes an error-level entry.
func (w *Writer) Error(ctx context.Context, accountID string, data map[string]interface{}) {
	w.write(ctx, accountID, store.LogLevelError, data)
}

func (w *Writer) write(ctx context.Context, accountID string, level store.LogLevel, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Store().Error().Err(err).Msg("eventlog: marshal failed, dropping entry")
		return
	}

	entry := store.LogEntry{
		AccountID: accountID,
		Level:     level,
		Data:      payload,
		Timestamp: time.Now(),
	}

	if err := w.st.InsertLog(ctx, entry); err != nil {
		logger.Store().Error().Err(err).Str("account_id", accountID).Msg("eventlog: insert failed, dropping entry")
	}
}
