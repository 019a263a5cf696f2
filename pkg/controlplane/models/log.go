package models

import "time"

// LogEntry is one append-only log record mirrored from the process logger.
type LogEntry struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Level   string `gorm:"not null;size:8;index" json:"level"`
	Message string `gorm:"not null;size:255" json:"message"`

	// Context holds the structured key/value pairs as JSON.
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for LogEntry.
func (LogEntry) TableName() string {
	return "logs"
}

// AllModels returns every model for schema migration.
func AllModels() []any {
	return []any{
		&Printer{},
		&Job{},
		&LogEntry{},
	}
}
