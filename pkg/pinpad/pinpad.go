// Package pinpad drives DatecsPay card readers: purchases, voids, end-of-day
// and the management commands, including the external-internet socket proxy
// the reader uses to reach the Borica host through the gateway.
package pinpad

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
	"github.com/datecs-gw/fiscalgw/internal/transport"
)

// Device is everything a session needs to talk to one configured card reader.
type Device struct {
	ID       string
	Settings transport.Settings
	Timeout  time.Duration
	// Transport overrides Settings when set. Tests wire a loopback here.
	Transport transport.Transport
}

func (d Device) timeout() time.Duration {
	if d.Timeout <= 0 {
		return datecspay.ResponseTimeout
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

// ValidationError reports a payload the gateway refuses to send to the reader.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// session is the state of one open conversation with a card reader.
type session struct {
	tr            transport.Transport
	device        Device
	timeout       time.Duration
	proxy         *socketProxy
	correlationID string
	// pending holds events the reader volunteered ahead of a command
	// response. The transaction loop drains it before reading the wire.
	pending []*datecspay.Event
}

func newSession(device Device, tr transport.Transport) *session {
	u := uuid.New()
	id := hex.EncodeToString(u[:])
	return &session{
		tr:            tr,
		device:        device,
		timeout:       device.timeout(),
		proxy:         newSocketProxy(id),
		correlationID: id,
	}
}

// boricaExchange sends a Borica subcommand, buffering any events the reader
// emitted ahead of the response.
func (s *session) boricaExchange(subcmd byte, data []byte) (*datecspay.Response, error) {
	resp, events, err := datecspay.Borica(s.tr, subcmd, data, s.timeout)
	s.pending = append(s.pending, events...)
	return resp, err
}

// extInternet sends an external-internet subcommand, buffering events the
// same way.
func (s *session) extInternet(subcmd byte, data []byte) (*datecspay.Response, error) {
	resp, events, err := datecspay.ExtInternet(s.tr, subcmd, data, s.timeout)
	s.pending = append(s.pending, events...)
	return resp, err
}

// borica sends a Borica subcommand and fails on any non-OK status.
func (s *session) borica(subcmd byte, data []byte, context string) (*datecspay.Response, error) {
	resp, err := s.boricaExchange(subcmd, data)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, &datecspay.StatusError{Status: resp.Status, Context: context}
	}
	return resp, nil
}

func (s *session) ping() (bool, error) {
	resp, err := s.boricaExchange(datecspay.BorPing, nil)
	if err != nil {
		return false, err
	}
	return resp.OK(), nil
}

// Info is the reader's identity block.
type Info struct {
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number"`
	SoftwareVersion string `json:"software_version"`
	TerminalID      string `json:"terminal_id"`
	MenuType        int    `json:"menu_type"`
}

// info reads and decodes the GET PINPAD INFO block: model at 0..19, serial at
// 20..29, four version bytes, terminal id at 34..41 and the menu type byte.
func (s *session) info() (*Info, error) {
	resp, err := s.borica(datecspay.BorGetPinpadInfo, nil, "get pinpad info")
	if err != nil {
		return nil, err
	}
	d := resp.Data
	if len(d) < 43 {
		return nil, &datecspay.Error{Reason: fmt.Sprintf("pinpad info too short: %d bytes", len(d))}
	}
	return &Info{
		Model:           trimmedASCII(d[0:20]),
		SerialNumber:    trimmedASCII(d[20:30]),
		SoftwareVersion: fmt.Sprintf("%d.%d.%d.%d", d[30], d[31], d[32], d[33]),
		TerminalID:      trimmedASCII(d[34:42]),
		MenuType:        int(d[42]),
	}, nil
}

// readerStateNames maps GET CARD READER STATE codes.
var readerStateNames = map[byte]string{
	1: "idle",
	2: "transaction_started",
	3: "select_application",
	4: "pin_entry",
	5: "online_authorization",
}

// Status is the reader's operational state as reported by the status,
// card-reader-state and report-info commands combined.
type Status struct {
	HasReversal        bool   `json:"has_reversal"`
	HasHangTransaction bool   `json:"has_hang_transaction"`
	EndDayRequired     bool   `json:"end_day_required"`
	ReaderState        string `json:"reader_state"`
	ReportCount        int    `json:"report_count"`
}

func (s *session) pinpadStatus() (*Status, error) {
	resp, err := s.borica(datecspay.BorGetPinpadStatus, nil, "get pinpad status")
	if err != nil {
		return nil, err
	}
	status := &Status{}
	if len(resp.Data) > 0 {
		status.HasReversal = resp.Data[0] == 'R'
		status.HasHangTransaction = resp.Data[0] == 'C'
	}
	if len(resp.Data) > 1 {
		status.EndDayRequired = resp.Data[1] != 0
	}

	if state, err := s.cardReaderState(); err == nil {
		status.ReaderState = state
	} else {
		logger.Warn("card reader state read failed",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
	}
	if count, err := s.reportCount(); err == nil {
		status.ReportCount = count
	} else {
		logger.Warn("report info read failed",
			"pinpad_id", s.device.ID,
			"error", err,
			"correlation_id", s.correlationID,
		)
	}
	return status, nil
}

func (s *session) cardReaderState() (string, error) {
	resp, err := s.borica(datecspay.BorGetCardReaderState, nil, "get card reader state")
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", &datecspay.Error{Reason: "card reader state response empty"}
	}
	if name, ok := readerStateNames[resp.Data[0]]; ok {
		return name, nil
	}
	return fmt.Sprintf("unknown(%d)", resp.Data[0]), nil
}

// reportCount returns the number of pending report records, big endian.
func (s *session) reportCount() (int, error) {
	resp, err := s.borica(datecspay.BorGetReportInfo, nil, "get report info")
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 2 {
		return 0, &datecspay.Error{Reason: "report info response too short"}
	}
	return int(resp.Data[0])<<8 | int(resp.Data[1]), nil
}

// receiptTags requests the full receipt tag set for the last transaction.
// A NO DATA status is a normal answer when nothing was stored.
func (s *session) receiptTags() (map[int][]byte, error) {
	resp, err := s.boricaExchange(datecspay.BorGetReceiptTags,
		datecspay.EncodeTagList(datecspay.ReceiptAll))
	if err != nil {
		return nil, err
	}
	if resp.NoData() {
		return map[int][]byte{}, nil
	}
	if !resp.OK() {
		return nil, &datecspay.StatusError{Status: resp.Status, Context: "get receipt tags"}
	}
	return datecspay.DecodeTLV(resp.Data), nil
}

// transactionEnd confirms the host is done with the transaction result.
func (s *session) transactionEnd(success bool) error {
	data := []byte{0x00, 0x00}
	if success {
		data[1] = 0x01
	}
	_, err := s.borica(datecspay.BorTransactionEnd, data, "transaction end")
	return err
}

func (s *session) clearReversal() error {
	_, err := s.borica(datecspay.BorClearReversal, nil, "clear reversal")
	return err
}

func (s *session) deleteBatch() error {
	_, err := s.borica(datecspay.BorDeleteBatch, nil, "delete batch")
	return err
}

// trimmedASCII strips NULs, replaces non-printable bytes and trims the space
// padding the reader uses in fixed-width fields.
func trimmedASCII(data []byte) string {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == 0 {
			continue
		}
		if b < 0x20 || b > 0x7E {
			continue
		}
		out = append(out, b)
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	for len(out) > 0 && out[0] == ' ' {
		out = out[1:]
	}
	return string(out)
}
