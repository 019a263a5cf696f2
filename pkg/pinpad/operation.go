package pinpad

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
)

// Payload types accepted by Execute.
const (
	TypePing     = "pinpad_ping"
	TypeInfo     = "pinpad_info"
	TypeStatus   = "pinpad_status"
	TypePurchase = "pinpad_purchase"
	TypeVoid     = "pinpad_void"
	TypeEndOfDay = "pinpad_end_of_day"
	TypeTest     = "pinpad_test"
)

// PurchasePayload is the body of a pinpad_purchase job. A fractional amount
// is in major units, a whole amount already in minor units; tip and cashback
// are always major units.
type PurchasePayload struct {
	Amount    builder.FlexString `json:"amount"`
	Tip       builder.FlexString `json:"tip"`
	Cashback  builder.FlexString `json:"cashback"`
	Reference string             `json:"reference"`
}

// VoidPayload is the body of a pinpad_void job.
type VoidPayload struct {
	Amount   builder.FlexString `json:"amount"`
	Tip      builder.FlexString `json:"tip"`
	Cashback builder.FlexString `json:"cashback"`
	RRN      string             `json:"rrn"`
	AuthID   string             `json:"auth_id"`
}

// amountToCents applies the major/minor unit rule: values with a decimal
// point are major units, whole values already count stotinki.
func amountToCents(v builder.FlexString) (uint32, error) {
	raw := strings.TrimSpace(string(v))
	if raw == "" {
		return 0, &ValidationError{Detail: "amount is required"}
	}
	if strings.ContainsAny(raw, ".eE") {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, &ValidationError{Detail: "invalid amount: " + raw}
		}
		return uint32(math.Round(f * 100)), nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, &ValidationError{Detail: "invalid amount: " + raw}
	}
	return uint32(n), nil
}

// majorToCents converts an optional major-unit value to minor units.
func majorToCents(v builder.FlexString) (uint32, error) {
	raw := strings.TrimSpace(string(v))
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ValidationError{Detail: "invalid amount: " + raw}
	}
	return uint32(math.Round(f * 100)), nil
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &ValidationError{Detail: "invalid payload: " + err.Error()}
	}
	return nil
}

// Execute runs one pinpad job and returns its flattened result.
func Execute(device Device, payloadType string, rawPayload json.RawMessage, dryRun bool) (map[string]any, error) {
	if dryRun {
		u := newSession(device, &noopTransport{})
		logger.Info("dry-run pinpad job",
			"pinpad_id", device.ID,
			"payload_type", payloadType,
			"correlation_id", u.correlationID,
		)
		return map[string]any{"dry_run": true, "correlation_id": u.correlationID}, nil
	}

	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	s := newSession(device, tr)
	logger.Info("pinpad job started",
		"pinpad_id", device.ID,
		"payload_type", payloadType,
		"correlation_id", s.correlationID,
	)

	switch payloadType {
	case TypePing:
		alive, err := s.ping()
		if err != nil {
			return nil, err
		}
		return map[string]any{"alive": alive, "correlation_id": s.correlationID}, nil

	case TypeInfo:
		info, err := s.info()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"model":            info.Model,
			"serial_number":    info.SerialNumber,
			"software_version": info.SoftwareVersion,
			"terminal_id":      info.TerminalID,
			"menu_type":        info.MenuType,
			"correlation_id":   s.correlationID,
		}, nil

	case TypeStatus:
		status, err := s.pinpadStatus()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"has_reversal":         status.HasReversal,
			"has_hang_transaction": status.HasHangTransaction,
			"end_day_required":     status.EndDayRequired,
			"reader_state":         status.ReaderState,
			"report_count":         status.ReportCount,
			"correlation_id":       s.correlationID,
		}, nil

	case TypePurchase:
		var payload PurchasePayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		req := PurchaseRequest{Reference: payload.Reference}
		if req.Amount, err = amountToCents(payload.Amount); err != nil {
			return nil, err
		}
		if req.Tip, err = majorToCents(payload.Tip); err != nil {
			return nil, err
		}
		if req.Cashback, err = majorToCents(payload.Cashback); err != nil {
			return nil, err
		}
		s.clearHangTransaction()
		result, err := s.purchase(req)
		if err != nil {
			return nil, err
		}
		return result.resultMap(s.correlationID), nil

	case TypeVoid:
		var payload VoidPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		if payload.RRN == "" || payload.AuthID == "" {
			return nil, &ValidationError{Detail: "Void requires 'rrn' and 'auth_id' from original purchase"}
		}
		req := VoidRequest{RRN: payload.RRN, AuthID: payload.AuthID}
		if req.Amount, err = amountToCents(payload.Amount); err != nil {
			return nil, err
		}
		if req.Tip, err = majorToCents(payload.Tip); err != nil {
			return nil, err
		}
		if req.Cashback, err = majorToCents(payload.Cashback); err != nil {
			return nil, err
		}
		result, err := s.voidPurchase(req)
		if err != nil {
			return nil, err
		}
		return result.resultMap(s.correlationID), nil

	case TypeEndOfDay:
		result, err := s.endOfDay()
		if err != nil {
			return nil, err
		}
		return result.resultMap(s.correlationID), nil

	case TypeTest:
		result, err := s.testConnection()
		if err != nil {
			return nil, err
		}
		return result.resultMap(s.correlationID), nil
	}
	return nil, &ValidationError{Detail: fmt.Sprintf("unsupported pinpad payload type %q", payloadType)}
}

// Ping checks reachability without running a job.
func Ping(device Device) (bool, error) {
	tr, err := device.open()
	if err != nil {
		return false, err
	}
	defer tr.Close()
	return newSession(device, tr).ping()
}

// ReadInfo reads the reader identity block without running a job.
func ReadInfo(device Device) (*Info, error) {
	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return newSession(device, tr).info()
}

// ReadStatus reads the reader state without running a job.
func ReadStatus(device Device) (*Status, error) {
	tr, err := device.open()
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	return newSession(device, tr).pinpadStatus()
}

// ClearReversal drops a stored reversal record.
func ClearReversal(device Device) error {
	tr, err := device.open()
	if err != nil {
		return err
	}
	defer tr.Close()
	return newSession(device, tr).clearReversal()
}

// DeleteBatch drops the stored transaction batch.
func DeleteBatch(device Device) error {
	tr, err := device.open()
	if err != nil {
		return err
	}
	defer tr.Close()
	return newSession(device, tr).deleteBatch()
}

// noopTransport backs dry-run sessions that never touch the wire.
type noopTransport struct{}

func (*noopTransport) Open() error              { return nil }
func (*noopTransport) Close() error             { return nil }
func (*noopTransport) Write([]byte) error       { return nil }
func (*noopTransport) Read(int) ([]byte, error) { return nil, nil }
