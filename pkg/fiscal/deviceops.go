package fiscal

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
)

// StatusSnapshot is a decoded status poll, exposed over the device-ops API.
type StatusSnapshot struct {
	StatusHex string          `json:"status_hex"`
	Flags     map[string]bool `json:"flags"`
	Fields    []string        `json:"fields,omitempty"`
}

// Status polls the printer status vector without running a job.
func Status(device Device) (*StatusSnapshot, error) {
	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	s := newSession(device, tr)
	resp, err := s.sendWithResponse(cmdStatus, s.bld.StatusData(), "status")
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		StatusHex: hex.EncodeToString(resp.Status),
		Flags:     datecs.DecodeStatus(resp.Status),
		Fields:    resp.Fields,
	}, nil
}

// CancelReceipt aborts whatever receipt the printer has open.
func CancelReceipt(device Device) error {
	tr, err := device.open()
	if err != nil {
		return err
	}
	defer tr.Close()

	s := newSession(device, tr)
	return s.cancelReceipt()
}

// Printer clock wire format, e.g. "24-08-26 14:30:05".
const clockFormat = "02-01-06 15:04:05"

// parseClock accepts the format variants different firmwares return.
func parseClock(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		"02-01-06 15:04:05",
		"02-01-06 15:04",
		"02-01-2006 15:04:05",
		"02-01-2006 15:04",
	} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clock is the printer date and time as read from the device.
type Clock struct {
	Raw    string     `json:"raw"`
	Parsed *time.Time `json:"parsed,omitempty"`
	// Drift from the gateway host clock, seconds. Positive means the
	// printer runs ahead.
	DriftSeconds *float64 `json:"drift_seconds,omitempty"`
}

// readClock fetches and parses the device clock inside an open session.
func (s *session) readClock() (*Clock, error) {
	resp, err := s.sendWithResponse(cmdReadDateTime, "", "read datetime")
	if err != nil {
		return nil, err
	}
	var raw string
	if s.opts.Dialect == datecs.DialectByte {
		if len(resp.Fields) > 0 {
			raw = strings.TrimSpace(resp.Fields[0])
		}
	} else {
		if len(resp.Fields) >= 2 {
			raw = strings.TrimSpace(resp.Fields[1])
		}
	}
	raw = strings.TrimSuffix(raw, " DST")
	raw = strings.TrimSpace(raw)

	clock := &Clock{Raw: raw}
	if parsed, ok := parseClock(raw); ok {
		clock.Parsed = &parsed
		drift := parsed.Sub(time.Now()).Seconds()
		clock.DriftSeconds = &drift
	}
	return clock, nil
}

// ReadDateTime reads the printer clock.
func ReadDateTime(device Device) (*Clock, error) {
	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	return newSession(device, tr).readClock()
}

// SyncDateTime sets the printer clock to the given time (host time when
// zero) and reads it back.
func SyncDateTime(device Device, to time.Time) (*Clock, error) {
	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	if to.IsZero() {
		to = time.Now()
	}
	s := newSession(device, tr)
	if err := s.send(cmdSetDateTime, to.Format(clockFormat), "set datetime"); err != nil {
		return nil, err
	}
	logger.Info("printer clock set",
		"printer_id", device.ID,
		"value", to.Format(clockFormat),
		"correlation_id", s.correlationID,
	)
	return s.readClock()
}
