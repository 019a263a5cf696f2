// Package models defines the durable records the gateway keeps: the printer
// fleet, the job queue, and the append-only log trail.
package models

import (
	"encoding/json"
	"time"
)

// Printer is one configured fiscal printer or pinpad.
type Printer struct {
	ID    string `gorm:"primaryKey;size:36" json:"id"`
	Name  string `gorm:"not null;size:255" json:"name"`
	Model string `gorm:"not null;size:64" json:"model"`

	// Transport is "serial" or "lan" and determines which endpoint fields
	// below are required.
	Transport  string `gorm:"not null;size:16" json:"transport"`
	SerialPort string `gorm:"size:255" json:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty"`
	DataBits   int    `json:"data_bits,omitempty"`
	Parity     string `gorm:"size:4" json:"parity,omitempty"`
	StopBits   string `gorm:"size:4" json:"stop_bits,omitempty"`
	Host       string `gorm:"size:255" json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`

	// TimeoutSeconds overrides the per-exchange deadline; zero means the
	// gateway default.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	Enabled        bool    `gorm:"default:true" json:"enabled"`
	DryRun         bool    `gorm:"default:false" json:"dry_run"`

	// Config is a JSON blob for per-device options the schema does not
	// model: operator credentials, encoding, line width, cut-after.
	Config       string         `gorm:"type:text" json:"-"`
	ParsedConfig map[string]any `gorm:"-" json:"config,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Printer.
func (Printer) TableName() string {
	return "printers"
}

// GetConfig returns the parsed additional configuration.
func (p *Printer) GetConfig() (map[string]any, error) {
	if p.ParsedConfig != nil {
		return p.ParsedConfig, nil
	}
	if p.Config == "" {
		return make(map[string]any), nil
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(p.Config), &cfg); err != nil {
		return nil, err
	}
	p.ParsedConfig = cfg
	return cfg, nil
}

// SetConfig sets the additional configuration from a map.
func (p *Printer) SetConfig(cfg map[string]any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	p.Config = string(data)
	p.ParsedConfig = cfg
	return nil
}
