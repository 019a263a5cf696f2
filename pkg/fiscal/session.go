// Package fiscal drives complete fiscal operations against a Datecs printer:
// receipts, storno, reports, cash movements and the supporting diagnostic
// commands. It composes the framing layer with the per-series payload
// builders and owns the per-printer sequence counter.
package fiscal

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
	"github.com/datecs-gw/fiscalgw/internal/transport"
	"github.com/datecs-gw/fiscalgw/pkg/adapter"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
	"github.com/datecs-gw/fiscalgw/pkg/metrics"
)

// Command codes shared by both printer generations.
const (
	cmdOpenFiscal      = 0x30
	cmdSellItem        = 0x31
	cmdPayment         = 0x35
	cmdCloseFiscal     = 0x38
	cmdStorno          = 0x2E
	cmdReport          = 0x45
	cmdReportPLU       = 0x6C
	cmdReportDept      = 0x75
	cmdReportDeptPLU   = 0x76
	cmdCash            = 0x46
	cmdOperatorInfo    = 0x70
	cmdStatus          = 0x4A
	cmdTransStatus     = 0x4C
	cmdCancelReceipt   = 0x3C
	cmdLastError       = 0x20
	cmdSetDateTime     = 0x3D
	cmdReadDateTime    = 0x3E
	cmdNRAData         = 0x25
	cmdSetOperatorName = 0x66

	cmdOpenNonfiscal  = 0x26
	cmdCloseNonfiscal = 0x27
	cmdPrintText      = 0x2A
	cmdPaperCut       = 0x2E
)

// Device is everything a session needs to talk to one configured printer.
type Device struct {
	ID       string
	Profile  adapter.Profile
	Settings transport.Settings
	Timeout  time.Duration
	Encoding string
	// Operator defaults from the printer record, used when the payload
	// carries none.
	Operator  Operator
	LineWidth int
	CutAfter  bool
	// Transport overrides Settings when set. Tests wire a loopback here.
	Transport transport.Transport
}

func (d Device) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 5 * time.Second
	}
	return d.Timeout
}

func (d Device) open() (transport.Transport, error) {
	if d.Transport != nil {
		return d.Transport, d.Transport.Open()
	}
	tr, err := transport.New(d.Settings)
	if err != nil {
		return nil, err
	}
	return tr, tr.Open()
}

// Operator identifies a cashier on the printer. Aliased field names cover
// the POS vendors' payload variants.
type Operator struct {
	ID         builder.FlexString `json:"id"`
	OpNum      builder.FlexString `json:"op_num"`
	Number     builder.FlexString `json:"number"`
	Password   builder.FlexString `json:"password"`
	Till       builder.FlexString `json:"till"`
	TillNum    builder.FlexString `json:"till_num"`
	TillNumber builder.FlexString `json:"till_number"`
	Name       string             `json:"name"`
}

func (o Operator) opNum() string {
	return firstOf(o.ID, o.OpNum, o.Number)
}

func (o Operator) till() string {
	return firstOf(o.Till, o.TillNum, o.TillNumber)
}

func (o Operator) empty() bool {
	return o.opNum() == "" && string(o.Password) == "" && o.till() == ""
}

func firstOf(values ...builder.FlexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// seqByPrinter keeps the last sequence byte handed to each printer so
// consecutive jobs keep advancing instead of restarting at the floor.
var seqByPrinter = struct {
	sync.Mutex
	m map[string]byte
}{m: make(map[string]byte)}

func loadSeq(printerID string) byte {
	seqByPrinter.Lock()
	defer seqByPrinter.Unlock()
	if seq, ok := seqByPrinter.m[printerID]; ok {
		return seq
	}
	return datecs.SeqMin
}

func storeSeq(printerID string, seq byte) {
	seqByPrinter.Lock()
	defer seqByPrinter.Unlock()
	seqByPrinter.m[printerID] = seq
}

// session is the state of one open conversation with a printer.
type session struct {
	tr            transport.Transport
	device        Device
	bld           builder.Builder
	opts          datecs.Options
	seq           byte
	timeout       time.Duration
	correlationID string
}

func newSession(device Device, tr transport.Transport) *session {
	u := uuid.New()
	return &session{
		tr:            tr,
		device:        device,
		bld:           device.Profile.Builder(),
		opts:          device.Profile.Options(device.Encoding),
		seq:           loadSeq(device.ID),
		timeout:       device.timeout(),
		correlationID: hex.EncodeToString(u[:]),
	}
}

// send runs one command and raises device errors. The sequence counter
// advances and is persisted even when the device reports an error, since
// the exchange itself completed.
func (s *session) send(cmd int, data, context string) error {
	_, err := s.exchange(cmd, data, context, s.timeout, false)
	return err
}

func (s *session) sendWithResponse(cmd int, data, context string) (*datecs.Response, error) {
	return s.exchange(cmd, data, context, s.timeout, false)
}

func (s *session) sendSkipRaise(cmd int, data, context string) (*datecs.Response, error) {
	return s.exchange(cmd, data, context, s.timeout, true)
}

func (s *session) exchange(cmd int, data, context string, timeout time.Duration, skipRaise bool) (*datecs.Response, error) {
	payload := s.device.Profile.EncodeText(data, s.device.Encoding)
	logger.Info("datecs send",
		"context", context,
		"cmd", fmt.Sprintf("0x%02X", cmd),
		"seq", s.seq,
		"data", data,
		"data_hex", hex.EncodeToString(payload),
		"correlation_id", s.correlationID,
	)

	resp, err := datecs.SendCommand(s.tr, cmd, payload, s.seq, timeout, s.opts)
	if err != nil {
		metrics.ExchangeObserved("error")
		return nil, err
	}
	metrics.ExchangeObserved("ok")
	s.seq = datecs.NextSeq(s.seq)
	storeSeq(s.device.ID, s.seq)

	if !skipRaise {
		if err := raiseOnError(resp, context, data, s.correlationID); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// diagnosticStatus polls the status vector for the log trail. Failures are
// recorded but never fail the surrounding operation.
func (s *session) diagnosticStatus() {
	resp, err := s.sendWithResponse(cmdStatus, s.bld.StatusData(), "status")
	if err != nil {
		logger.Error("status poll failed",
			"printer_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return
	}
	logger.Info("status poll",
		"printer_id", s.device.ID,
		"status_hex", hex.EncodeToString(resp.Status),
		"status_flags", datecs.DecodeStatus(resp.Status),
		"fields", resp.Fields,
		"correlation_id", s.correlationID,
	)
}

// readLastError fetches the device's last-error record, swallowing
// failures; it only ever feeds a diagnostic message.
func (s *session) readLastError() []string {
	resp, err := s.sendSkipRaise(cmdLastError, "", "last error")
	if err != nil {
		logger.Warn("last-error read failed",
			"printer_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return nil
	}
	return resp.Fields
}

func formatLastError(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	if len(fields) >= 4 {
		var parts []string
		if fields[0] != "" {
			parts = append(parts, "cmd "+fields[0])
		}
		if fields[1] != "" {
			parts = append(parts, "код "+fields[1])
		}
		for _, p := range fields[2:4] {
			if p != "" {
				parts = append(parts, p)
			}
		}
		return "Последна грешка: " + strings.Join(parts, ", ")
	}
	return "Последна грешка: " + strings.Join(fields, ", ")
}

// transactionStatusSnapshot logs the open-transaction state. Informational
// only.
func (s *session) transactionStatusSnapshot() {
	resp, err := s.sendWithResponse(cmdTransStatus, "", "transaction status")
	if err != nil {
		logger.Error("transaction status failed",
			"printer_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return
	}
	logger.Info("transaction status",
		"printer_id", s.device.ID,
		"fields", resp.Fields,
		"status_hex", hex.EncodeToString(resp.Status),
		"correlation_id", s.correlationID,
	)
}

func (s *session) cancelReceipt() error {
	logger.Warn("cancelling open receipt",
		"printer_id", s.device.ID,
		"correlation_id", s.correlationID,
	)
	return s.send(cmdCancelReceipt, "", "cancel receipt")
}

// preflight verifies the printer is ready for a new receipt: hardware flags
// block immediately, an already-open receipt is cancelled first.
func (s *session) preflight() error {
	resp, err := s.sendWithResponse(cmdStatus, s.bld.StatusData(), "status")
	if err != nil {
		return err
	}
	flags := datecs.DecodeStatus(resp.Status)
	logger.Info("preflight status",
		"printer_id", s.device.ID,
		"status_hex", hex.EncodeToString(resp.Status),
		"status_flags", flags,
		"correlation_id", s.correlationID,
	)

	var hwErrors []string
	if flags["cover_open"] {
		hwErrors = append(hwErrors, "Капакът на принтера е отворен")
	}
	if flags["no_paper"] {
		hwErrors = append(hwErrors, "Няма хартия в принтера")
	}
	if flags["printing_unit_fault"] {
		hwErrors = append(hwErrors, "Повреда в печатащото устройство")
	}
	if len(hwErrors) > 0 {
		return &DeviceError{
			Context: "preflight",
			Message: "Принтерът не е готов: " + strings.Join(hwErrors, "; "),
		}
	}

	s.transactionStatusSnapshot()

	if flags["fiscal_receipt_open"] || flags["service_receipt_open"] || flags["storno_receipt_open"] {
		if err := s.cancelReceipt(); err != nil {
			return err
		}
		s.diagnosticStatus()
	}
	return nil
}

// operatorInfo runs the 0x70 diagnostic; a failure means the operator is
// inactive or lacks rights, which is logged but not fatal here since the
// open command reports the authoritative error.
func (s *session) operatorInfo(opNum string) {
	if err := s.send(cmdOperatorInfo, opNum+"\t", "operator info"); err != nil {
		logger.Error("operator info failed",
			"printer_id", s.device.ID,
			"op_num", opNum,
			"error", err,
			"hint", "Оператор не е активен или няма права.",
			"correlation_id", s.correlationID,
		)
		return
	}
	logger.Info("operator info ok",
		"printer_id", s.device.ID,
		"op_num", opNum,
		"correlation_id", s.correlationID,
	)
}

// setOperatorName programs the cashier display name (0x66). Best effort;
// some firmwares refuse it outside service mode.
func (s *session) setOperatorName(opNum, name, password string) {
	data := opNum + "\t" + name + "\t" + password + "\t"
	if err := s.send(cmdSetOperatorName, data, "set operator name"); err != nil {
		logger.Warn("set operator name failed",
			"printer_id", s.device.ID,
			"op_num", opNum,
			"name", name,
			"error", err,
			"correlation_id", s.correlationID,
		)
		return
	}
	logger.Info("operator name set",
		"printer_id", s.device.ID,
		"op_num", opNum,
		"name", name,
		"correlation_id", s.correlationID,
	)
}
