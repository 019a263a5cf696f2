package models

import (
	"encoding/json"
	"time"
)

// Job statuses. Queued and printing are live; success and failed terminal.
const (
	JobQueued   = "queued"
	JobPrinting = "printing"
	JobSuccess  = "success"
	JobFailed   = "failed"
)

// Job is one unit of device work, persisted from creation to terminal state.
type Job struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	PrinterID   string `gorm:"not null;size:36;index" json:"printer_id"`
	PayloadType string `gorm:"not null;size:32" json:"payload_type"`

	// Payload is the raw JSON body the client submitted.
	Payload string `gorm:"type:text" json:"-"`
	Status  string `gorm:"not null;size:16;index;default:queued" json:"status"`
	Retries int    `gorm:"default:0" json:"retries"`
	Error   string `gorm:"type:text" json:"error,omitempty"`

	// Result is the structured outcome, set only on success.
	Result string `gorm:"type:text" json:"-"`

	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobFailed
}

// PayloadJSON returns the payload as raw JSON, nil when empty.
func (j *Job) PayloadJSON() json.RawMessage {
	if j.Payload == "" {
		return nil
	}
	return json.RawMessage(j.Payload)
}

// ResultJSON returns the result as raw JSON, nil when unset.
func (j *Job) ResultJSON() json.RawMessage {
	if j.Result == "" {
		return nil
	}
	return json.RawMessage(j.Result)
}

// MarshalJSON inlines payload and result so API clients see JSON objects,
// not doubly-encoded strings.
func (j *Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		*alias
		Payload json.RawMessage `json:"payload,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
	}{
		alias:   (*alias)(j),
		Payload: j.PayloadJSON(),
		Result:  j.ResultJSON(),
	})
}
