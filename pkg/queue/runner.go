// Package queue dispatches persisted jobs to devices: a polling loop feeds
// per-printer workers, each serialised by an advisory lock so a device never
// sees two concurrent conversations.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/transport"
	"github.com/datecs-gw/fiscalgw/pkg/adapter"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
	"github.com/datecs-gw/fiscalgw/pkg/pinpad"
)

// Runner executes one job against a device and returns the structured
// result. The dispatcher and the REST test-print path both go through it.
type Runner func(printer *models.Printer, payloadType string, payload json.RawMessage, dryRun bool) (json.RawMessage, error)

// deviceConfig is the per-printer options blob stored in the printer record.
type deviceConfig struct {
	Operator  fiscal.Operator    `json:"operator"`
	Encoding  string             `json:"encoding"`
	LineWidth int                `json:"line_width"`
	CutAfter  bool               `json:"cut_after"`
	Timeout   builder.FlexString `json:"timeout"`
}

func parseDeviceConfig(printer *models.Printer) (deviceConfig, error) {
	var cfg deviceConfig
	if printer.Config == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(printer.Config), &cfg); err != nil {
		return cfg, fmt.Errorf("printer %s config: %w", printer.ID, err)
	}
	return cfg, nil
}

func transportSettings(printer *models.Printer, timeout time.Duration) transport.Settings {
	settings := transport.Settings{Timeout: timeout}
	if strings.EqualFold(printer.Transport, "lan") {
		settings.Kind = transport.KindLAN
		settings.Host = printer.Host
		settings.Port = printer.Port
		return settings
	}
	settings.Kind = transport.KindSerial
	settings.Device = printer.SerialPort
	settings.Baud = printer.BaudRate
	settings.DataBits = printer.DataBits
	settings.Parity = printer.Parity
	settings.StopBits = printer.StopBits
	return settings
}

func deviceTimeout(printer *models.Printer) time.Duration {
	if printer.TimeoutSeconds > 0 {
		return time.Duration(printer.TimeoutSeconds * float64(time.Second))
	}
	return 0
}

// FiscalDevice builds the fiscal session view of a printer record.
func FiscalDevice(printer *models.Printer) (fiscal.Device, error) {
	profile, err := adapter.Lookup(printer.Model)
	if err != nil {
		return fiscal.Device{}, err
	}
	cfg, err := parseDeviceConfig(printer)
	if err != nil {
		return fiscal.Device{}, err
	}
	timeout := deviceTimeout(printer)
	return fiscal.Device{
		ID:        printer.ID,
		Profile:   profile,
		Settings:  transportSettings(printer, timeout),
		Timeout:   timeout,
		Encoding:  cfg.Encoding,
		Operator:  cfg.Operator,
		LineWidth: cfg.LineWidth,
		CutAfter:  cfg.CutAfter,
	}, nil
}

// PinpadDevice builds the pinpad session view of a printer record.
func PinpadDevice(printer *models.Printer) (pinpad.Device, error) {
	if _, err := adapter.Lookup(printer.Model); err != nil {
		return pinpad.Device{}, err
	}
	timeout := deviceTimeout(printer)
	return pinpad.Device{
		ID:       printer.ID,
		Settings: transportSettings(printer, timeout),
		Timeout:  timeout,
	}, nil
}

// Execute is the default runner: it resolves the model profile and routes
// the payload to the fiscal session, the non-fiscal printer, or the pinpad.
func Execute(printer *models.Printer, payloadType string, payload json.RawMessage, dryRun bool) (json.RawMessage, error) {
	profile, err := adapter.Lookup(printer.Model)
	if err != nil {
		return nil, err
	}
	dryRun = dryRun || printer.DryRun

	if profile.Family == adapter.FamilyPinpad {
		device, err := PinpadDevice(printer)
		if err != nil {
			return nil, err
		}
		result, err := pinpad.Execute(device, payloadType, payload, dryRun)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	device, err := FiscalDevice(printer)
	if err != nil {
		return nil, err
	}

	var result *fiscal.Result
	switch payloadType {
	case "text", "receipt", "test":
		result, err = fiscal.Print(device, payloadType, payload, dryRun)
	case "cancel":
		// Abort whatever receipt the printer has open; no document result.
		if dryRun {
			return json.Marshal(map[string]any{"dry_run": true})
		}
		if err := fiscal.CancelReceipt(device); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"cancelled": true})
	default:
		result, err = fiscal.Execute(device, payloadType, payload, dryRun)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
