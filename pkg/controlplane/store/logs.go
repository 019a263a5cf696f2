package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
)

// AppendLog inserts one log record. Context is stored as JSON.
func (s *GORMStore) AppendLog(ctx context.Context, level, message, contextJSON string) error {
	return s.db.WithContext(ctx).Create(&models.LogEntry{
		Level:   level,
		Message: message,
		Context: contextJSON,
	}).Error
}

// ListLogs returns the newest records, optionally filtered by level.
func (s *GORMStore) ListLogs(ctx context.Context, limit int, level string) ([]*models.LogEntry, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if level != "" {
		q = q.Where("level = ?", level)
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []*models.LogEntry
	if err := q.Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// LogSink adapts the store to the logger's sink interface. Inserts are best
// effort: a failed insert must never fail device work, so errors are dropped.
type LogSink struct {
	store *GORMStore
}

// NewLogSink builds a sink over the store.
func NewLogSink(s *GORMStore) *LogSink {
	return &LogSink{store: s}
}

// Write appends one entry. Key/value args are flattened to a JSON object;
// non-string keys and dangling values are kept under positional keys.
func (k *LogSink) Write(level, msg string, args []any) {
	fields := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			fields[fmt.Sprintf("arg%d", i)] = fmt.Sprint(args[i])
			continue
		}
		switch v := args[i+1].(type) {
		case error:
			fields[key] = v.Error()
		case fmt.Stringer:
			fields[key] = v.String()
		default:
			fields[key] = v
		}
	}
	contextJSON := ""
	if len(fields) > 0 {
		if data, err := json.Marshal(fields); err == nil {
			contextJSON = string(data)
		}
	}
	_ = k.store.AppendLog(context.Background(), level, msg, contextJSON)
}
