// Package datecspay implements the DatecsPay card reader (pinpad) wire
// protocol, v1.9.
//
// The packet format has nothing in common with the fiscal printer protocol:
//
//	ext device -> card reader:  '>' CMD 00 LH LL <DATA> CSUM
//	card reader -> ext device:  '>' 00 ST LH LL <DATA> CSUM
//
// CSUM is the XOR of every byte in the packet including the start byte. The
// reader also volunteers asynchronous events whose second byte is the event
// type instead of 0x00; a single read call must therefore be able to return
// either shape.
package datecspay

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/transport"
)

const (
	StartByte = 0x3E // '>'

	CmdBorica      = 0x3D
	CmdExtInternet = 0x40

	EvtBorica      = 0x0E
	EvtExtInternet = 0x0F
	EvtEMV         = 0x0B
)

// Default deadlines.
const (
	ResponseTimeout    = 5 * time.Second
	TransactionTimeout = 120 * time.Second
)

// Borica subcommands (first payload byte under CmdBorica).
const (
	BorPing                = 0x00
	BorTransactionStart    = 0x01
	BorGetReceiptTags      = 0x02
	BorTransactionEnd      = 0x03
	BorGetReportTags       = 0x04
	BorGetReportInfo       = 0x05
	BorGetPinpadInfo       = 0x06
	BorGetRTC              = 0x07
	BorSetRTC              = 0x08
	BorDeleteBatch         = 0x0B
	BorClearReversal       = 0x0C
	BorGetPinpadStatus     = 0x1A
	BorGetMenuInfo         = 0x1D
	BorCheckPassword       = 0x23
	BorGetCardReaderState  = 0x26
	BorGetTerminalTags     = 0x27
)

// Transaction types (first byte of TRANSACTION START data).
const (
	TransPurchase          = 0x01
	TransPurchaseCashback  = 0x02
	TransPurchaseReference = 0x03
	TransCashAdvance       = 0x04
	TransAuthorization     = 0x05
	TransVoidPurchase      = 0x07
	TransEndOfDay          = 0x0A
	TransLoyaltyBalance    = 0x0B
	TransTestConnection    = 0x0E
	TransTMSUpdate         = 0x0F
)

// Borica subevents.
const (
	EventTransactionComplete  = 0x01
	EventIntermediateComplete = 0x02
	EventPrintHangReceipt     = 0x03
	EventSendLogData          = 0x10
	EventSelectChipApp        = 0x3F
)

// External-internet subevents (socket proxy).
const (
	ExtSocketOpen  = 0x01
	ExtSocketClose = 0x02
	ExtSendData    = 0x03
)

// Status codes (the ST field in responses).
const (
	StatusNoError      = 0x00
	StatusGeneral      = 0x01
	StatusInvCmd       = 0x02
	StatusInvPar       = 0x03
	StatusInvVal       = 0x05
	StatusInvLen       = 0x06
	StatusNoPermit     = 0x07
	StatusNoData       = 0x08
	StatusTimeout      = 0x09
	StatusCancel       = 0x12
	StatusInvPass      = 0x15
	StatusBusy         = 0x26
	StatusNotConnected = 0x32
	StatusUseChip      = 0x33
	StatusEndDay       = 0x34
)

var statusNames = map[byte]string{
	0x00: "errNoErr", 0x01: "errGeneral", 0x02: "errInvCmd",
	0x03: "errInvPar", 0x04: "errInvAdr", 0x05: "errInvVal",
	0x06: "errInvLen", 0x07: "errNoPermit", 0x08: "errNoData",
	0x09: "errTimeOut", 0x0A: "errKeyNum", 0x0B: "errKeyAttr",
	0x0C: "errInvDevice", 0x0D: "errNoSupport", 0x0E: "errPinLimit",
	0x0F: "errFlash", 0x10: "errHard", 0x12: "errCancel",
	0x15: "errInvPass", 0x17: "errKeyFormat", 0x1F: "errNoPerm",
	0x26: "errBusy", 0x32: "errNoConnected", 0x33: "errUseChip",
	0x34: "errEndDay",
}

// StatusName returns the symbolic name for a status code.
func StatusName(status byte) string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", status)
}

// Response is a synchronous reply from the card reader.
type Response struct {
	Status byte
	Data   []byte
}

func (r *Response) OK() bool     { return r.Status == StatusNoError }
func (r *Response) NoData() bool { return r.Status == StatusNoData }

// StatusNameOf returns the symbolic status name of the response.
func (r *Response) StatusNameOf() string { return StatusName(r.Status) }

// Event is an asynchronous notification from the card reader.
type Event struct {
	Type     byte // EvtBorica, EvtExtInternet or EvtEMV
	Subevent byte
	Data     []byte
}

// Error reports a malformed or truncated packet.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "pinpad: " + e.Reason }

// TimeoutError reports that no complete packet arrived within the deadline.
type TimeoutError struct {
	After    time.Duration
	Received int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pinpad: timeout after %s waiting for response (%d bytes received)", e.After, e.Received)
}

// StatusError reports a command rejected by the card reader.
type StatusError struct {
	Status  byte
	Context string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("pinpad error: %s (0x%02X)", StatusName(e.Status), e.Status)
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	return msg
}

func xorChecksum(data []byte) byte {
	var csum byte
	for _, b := range data {
		csum ^= b
	}
	return csum
}

// BuildPacket frames an ext-device to card-reader command.
func BuildPacket(cmd byte, data []byte) []byte {
	packet := make([]byte, 0, 6+len(data))
	packet = append(packet, StartByte, cmd, 0x00, byte(len(data)>>8), byte(len(data)))
	packet = append(packet, data...)
	packet = append(packet, xorChecksum(packet))
	return packet
}

// IsEvent reports whether a raw packet is an asynchronous event rather than
// a command response. Responses carry 0x00 in the type position.
func IsEvent(raw []byte) bool {
	return len(raw) >= 2 && raw[1] != 0x00
}

// ParseResponse parses a card-reader reply packet.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 6 {
		return nil, &Error{Reason: fmt.Sprintf("response too short: %d bytes", len(raw))}
	}
	if raw[0] != StartByte {
		return nil, &Error{Reason: fmt.Sprintf("invalid start byte 0x%02X", raw[0])}
	}
	if raw[1] != 0x00 {
		return nil, &Error{Reason: fmt.Sprintf("invalid fixed byte 0x%02X", raw[1])}
	}
	dataLen := int(raw[3])<<8 | int(raw[4])
	expected := 5 + dataLen + 1
	if len(raw) < expected {
		return nil, &Error{Reason: fmt.Sprintf("response incomplete: got %d, expected %d", len(raw), expected)}
	}
	if got, want := xorChecksum(raw[:5+dataLen]), raw[5+dataLen]; got != want {
		return nil, &Error{Reason: fmt.Sprintf("checksum mismatch: received 0x%02X, calculated 0x%02X", want, got)}
	}
	return &Response{Status: raw[2], Data: raw[5 : 5+dataLen]}, nil
}

// ParseEvent parses an asynchronous event packet. The first payload byte is
// the subevent.
func ParseEvent(raw []byte) (*Event, error) {
	if len(raw) < 6 {
		return nil, &Error{Reason: fmt.Sprintf("event too short: %d bytes", len(raw))}
	}
	if raw[0] != StartByte {
		return nil, &Error{Reason: fmt.Sprintf("invalid start byte 0x%02X", raw[0])}
	}
	dataLen := int(raw[3])<<8 | int(raw[4])
	expected := 5 + dataLen + 1
	if len(raw) < expected {
		return nil, &Error{Reason: fmt.Sprintf("event incomplete: got %d, expected %d", len(raw), expected)}
	}
	if got, want := xorChecksum(raw[:5+dataLen]), raw[5+dataLen]; got != want {
		return nil, &Error{Reason: "event checksum mismatch"}
	}
	payload := raw[5 : 5+dataLen]
	event := &Event{Type: raw[1]}
	if len(payload) > 0 {
		event.Subevent = payload[0]
		event.Data = payload[1:]
	}
	return event, nil
}

// ReadPacket reads one complete packet, response or event, returning the raw
// bytes. It hunts for the start byte, reads the 5-byte header to learn the
// length, then reads the remainder.
func ReadPacket(tr transport.Transport, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buffer := make([]byte, 0, 64)
	sawStart := false

	for time.Now().Before(deadline) {
		chunk, err := tr.Read(1)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		b := chunk[0]
		if !sawStart {
			if b != StartByte {
				continue
			}
			sawStart = true
		}
		buffer = append(buffer, b)

		if len(buffer) >= 5 {
			dataLen := int(buffer[3])<<8 | int(buffer[4])
			if len(buffer) >= 5+dataLen+1 {
				return buffer, nil
			}
		}
	}
	return nil, &TimeoutError{After: timeout, Received: len(buffer)}
}

// SendCommand writes a command packet and waits for its response. The reader
// may volunteer events on the wire ahead of the reply; those are collected
// and returned alongside the response so the caller can dispatch them after
// the exchange. A malformed event is logged and skipped, it never fails the
// command.
func SendCommand(tr transport.Transport, cmd byte, data []byte, timeout time.Duration) (*Response, []*Event, error) {
	packet := BuildPacket(cmd, data)
	logger.Debug("pinpad packet sent",
		"cmd", fmt.Sprintf("0x%02X", cmd),
		"data_hex", hex.EncodeToString(data),
		"packet_len", len(packet),
	)
	if err := tr.Write(packet); err != nil {
		return nil, nil, err
	}

	var events []*Event
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, events, &TimeoutError{After: timeout}
		}
		raw, err := ReadPacket(tr, remaining)
		if err != nil {
			return nil, events, err
		}
		if IsEvent(raw) {
			event, err := ParseEvent(raw)
			if err != nil {
				logger.Warn("malformed pinpad event during exchange", "error", err)
				continue
			}
			logger.Debug("pinpad event ahead of response",
				"event_type", fmt.Sprintf("0x%02X", event.Type),
				"subevent", fmt.Sprintf("0x%02X", event.Subevent),
			)
			events = append(events, event)
			continue
		}
		response, err := ParseResponse(raw)
		if err != nil {
			return nil, events, err
		}
		logger.Debug("pinpad packet received",
			"status", fmt.Sprintf("0x%02X", response.Status),
			"status_name", response.StatusNameOf(),
			"data_len", len(response.Data),
		)
		return response, events, nil
	}
}

// Borica sends a Borica subcommand (CMD 0x3D).
func Borica(tr transport.Transport, subcmd byte, data []byte, timeout time.Duration) (*Response, []*Event, error) {
	payload := append([]byte{subcmd}, data...)
	return SendCommand(tr, CmdBorica, payload, timeout)
}

// ExtInternet sends an external-internet subcommand (CMD 0x40).
func ExtInternet(tr transport.Transport, subcmd byte, data []byte, timeout time.Duration) (*Response, []*Event, error) {
	payload := append([]byte{subcmd}, data...)
	return SendCommand(tr, CmdExtInternet, payload, timeout)
}
