// Package datecs implements the framed request/response protocol spoken by
// Datecs fiscal printers.
//
// Two wire dialects exist. Newer series (FP-700MX family) encode length,
// command and checksum as 4-byte ASCII-hex values and return an 8-byte
// status vector. Older series (FP-2000 family) use single-byte length and
// command and a 6-byte status vector. Both share the same control bytes and
// the same arithmetic-sum checksum over the frame body.
package datecs

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// Control bytes.
const (
	PRE = 0x01 // frame preamble
	PST = 0x05 // end of data
	EOT = 0x03 // frame terminator
	SEP = 0x04 // separates data from the status vector in responses
	NAK = 0x15 // device rejected the frame
	SYN = 0x16 // keep-alive while the device is busy
)

// Sequence byte range. The counter wraps from SeqMax back to SeqMin and
// SeqMax itself is the last value emitted; 0xFF never appears on the wire.
const (
	SeqMin byte = 0x20
	SeqMax byte = 0xFE
)

// Dialect selects the on-wire variant.
type Dialect string

const (
	// DialectHex frames length, command and BCC as 4-byte ASCII hex.
	DialectHex Dialect = "hex4"
	// DialectByte frames length and command as single bytes.
	DialectByte Dialect = "byte"
)

// StatusLength returns the response status-vector length for the dialect.
func (d Dialect) StatusLength() int {
	if d == DialectByte {
		return 6
	}
	return 8
}

// Options carries the per-printer framing parameters.
type Options struct {
	Dialect      Dialect
	StatusLength int              // 0 means the dialect default
	Encoding     *charmap.Charmap // response text codepage, default Windows-1251
}

func (o Options) normalized() Options {
	if o.Dialect == "" {
		o.Dialect = DialectHex
	}
	if o.StatusLength == 0 {
		o.StatusLength = o.Dialect.StatusLength()
	}
	if o.Encoding == nil {
		o.Encoding = charmap.Windows1251
	}
	return o
}

// Response is a parsed device reply.
type Response struct {
	Cmd    int
	Seq    byte
	Data   []byte
	Fields []string
	Status []byte
}

// ErrorCode reports the device error code when the first response field
// parses as a negative integer.
func (r *Response) ErrorCode() (int, bool) {
	if len(r.Fields) == 0 {
		return 0, false
	}
	var v int
	if _, err := fmt.Sscanf(r.Fields[0], "%d", &v); err != nil {
		return 0, false
	}
	if v >= 0 {
		return 0, false
	}
	return v, true
}

// encodeNibbles writes a 16-bit value as four ASCII bytes '0'+nibble.
func encodeNibbles(value int) []byte {
	return []byte{
		0x30 + byte((value>>12)&0xF),
		0x30 + byte((value>>8)&0xF),
		0x30 + byte((value>>4)&0xF),
		0x30 + byte(value&0xF),
	}
}

func decodeNibbles(data []byte) (int, error) {
	if len(data) != 4 {
		return 0, &FramingError{Reason: "nibble block must be 4 bytes"}
	}
	value := 0
	for _, b := range data {
		digit := int(b) - 0x30
		if digit < 0 || digit > 0xF {
			return 0, &FramingError{Reason: fmt.Sprintf("invalid nibble byte 0x%02X", b)}
		}
		value = value<<4 | digit
	}
	return value, nil
}

// BuildRequest frames a command for the wire.
func BuildRequest(cmd int, data []byte, seq byte, dialect Dialect) []byte {
	var lengthBytes, cmdBytes []byte
	if dialect == DialectByte {
		lengthBytes = []byte{byte(0x20+4+len(data)) & 0xFF}
		cmdBytes = []byte{byte(cmd)}
	} else {
		lengthBytes = encodeNibbles(0x20 + 10 + len(data))
		cmdBytes = encodeNibbles(cmd)
	}

	body := make([]byte, 0, len(lengthBytes)+1+len(cmdBytes)+len(data)+1)
	body = append(body, lengthBytes...)
	body = append(body, seq)
	body = append(body, cmdBytes...)
	body = append(body, data...)
	body = append(body, PST)

	frame := make([]byte, 0, len(body)+6)
	frame = append(frame, PRE)
	frame = append(frame, body...)
	frame = append(frame, encodeNibbles(checksum(body))...)
	frame = append(frame, EOT)
	return frame
}

// checksum is the arithmetic sum of the body bytes modulo 65536.
func checksum(body []byte) int {
	sum := 0
	for _, b := range body {
		sum += int(b)
	}
	return sum & 0xFFFF
}

// ParseResponse validates framing and checksum and splits the body into
// sequence, command, data and status vector.
func ParseResponse(buffer []byte, opts Options) (*Response, error) {
	opts = opts.normalized()

	if len(buffer) == 0 || buffer[0] != PRE {
		return nil, &FramingError{Reason: "invalid response preamble"}
	}

	var lengthTotal int
	if opts.Dialect == DialectByte {
		if len(buffer) < 2 {
			return nil, &FramingError{Reason: "response length is incomplete"}
		}
		lengthTotal = int(buffer[1]) - 0x20
	} else {
		if len(buffer) < 5 {
			return nil, &FramingError{Reason: "response length is incomplete"}
		}
		value, err := decodeNibbles(buffer[1:5])
		if err != nil {
			return nil, err
		}
		lengthTotal = value - 0x20
	}

	expectedTotal := 1 + lengthTotal + 4 + 1
	if lengthTotal < 0 || len(buffer) < expectedTotal {
		return nil, &FramingError{Reason: "response length is incomplete"}
	}

	if buffer[expectedTotal-1] != EOT {
		return nil, &FramingError{Reason: "invalid frame terminator"}
	}

	body := buffer[1 : 1+lengthTotal]
	bccExpected, err := decodeNibbles(buffer[1+lengthTotal : 1+lengthTotal+4])
	if err != nil {
		return nil, err
	}
	if got := checksum(body); got != bccExpected {
		return nil, &FramingError{Reason: fmt.Sprintf("BCC mismatch: got 0x%04X want 0x%04X", got, bccExpected)}
	}

	var seq byte
	var cmd, dataStart, baseLen int
	if opts.Dialect == DialectByte {
		if len(body) < 3 {
			return nil, &FramingError{Reason: "response body too short"}
		}
		seq = body[1]
		cmd = int(body[2])
		baseLen = 5 + opts.StatusLength
		dataStart = 3
	} else {
		if len(body) < 9 {
			return nil, &FramingError{Reason: "response body too short"}
		}
		seq = body[4]
		cmd, err = decodeNibbles(body[5:9])
		if err != nil {
			return nil, err
		}
		baseLen = 11 + opts.StatusLength
		dataStart = 9
	}

	dataLen := lengthTotal - baseLen
	if dataLen < 0 {
		return nil, &FramingError{Reason: "invalid response length"}
	}
	data := body[dataStart : dataStart+dataLen]
	if body[dataStart+dataLen] != SEP {
		// Seen in the wild on some firmwares; the status vector position is
		// still fixed, so carry on.
		logSepMismatch(body[dataStart+dataLen])
	}
	status := body[dataStart+dataLen+1 : dataStart+dataLen+1+opts.StatusLength]
	if body[len(body)-1] != PST {
		return nil, &FramingError{Reason: "invalid response postamble"}
	}

	return &Response{
		Cmd:    cmd,
		Seq:    seq,
		Data:   data,
		Fields: decodeFields(data, opts.Encoding),
		Status: status,
	}, nil
}

// decodeFields splits DATA on tab and decodes each part in the configured
// single-byte codepage.
func decodeFields(data []byte, enc *charmap.Charmap) []string {
	if len(data) == 0 {
		return nil
	}
	var fields []string
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\t' {
			fields = append(fields, decodeText(data[start:i], enc))
			start = i + 1
		}
	}
	return fields
}

func decodeText(raw []byte, enc *charmap.Charmap) string {
	if len(raw) == 0 {
		return ""
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err == nil {
		return string(decoded)
	}
	// Fall back to a byte-for-byte mapping so the caller still sees
	// something parseable.
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// NextSeq advances the per-device sequence byte, wrapping SeqMax back to
// SeqMin. Values outside the valid range also reset to SeqMin.
func NextSeq(current byte) byte {
	if current < SeqMin || current >= SeqMax {
		return SeqMin
	}
	return current + 1
}
