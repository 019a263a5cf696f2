package datecs

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/transport"
)

// sendRetries is the number of retransmissions after a malformed response
// or a read timeout. The same sequence byte is reused so the device can
// deduplicate.
const sendRetries = 2

func logSepMismatch(b byte) {
	logger.Warn("datecs response separator mismatch", "sep", fmt.Sprintf("0x%02X", b))
}

// ReadResponse reads one complete frame from the transport. A NAK before the
// preamble aborts immediately; SYN resets the deadline without consuming it.
// Bytes other than PRE ahead of the preamble are discarded.
func ReadResponse(tr transport.Transport, timeout time.Duration, opts Options) (*Response, error) {
	opts = opts.normalized()

	deadline := time.Now().Add(timeout)
	buffer := make([]byte, 0, 64)
	sawPreamble := false

	for time.Now().Before(deadline) {
		chunk, err := tr.Read(1)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		b := chunk[0]
		if !sawPreamble {
			switch b {
			case NAK:
				return nil, &FramingError{Reason: "NAK received"}
			case SYN:
				deadline = time.Now().Add(timeout)
				continue
			case PRE:
				sawPreamble = true
			default:
				continue
			}
		}
		buffer = append(buffer, b)
		if b == EOT {
			return ParseResponse(buffer, opts)
		}
	}
	return nil, &TimeoutError{After: timeout}
}

// SendCommand frames cmd+data, writes it and waits for the matching
// response, retransmitting with the same sequence byte on framing errors and
// timeouts. The caller advances the sequence after every exchange, including
// failed ones.
func SendCommand(tr transport.Transport, cmd int, data []byte, seq byte, timeout time.Duration, opts Options) (*Response, error) {
	opts = opts.normalized()

	var lastErr error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		frame := BuildRequest(cmd, data, seq, opts.Dialect)
		logger.Debug("datecs frame sent",
			"attempt", attempt+1,
			"cmd", fmt.Sprintf("0x%02X", cmd),
			"seq", fmt.Sprintf("0x%02X", seq),
			"dialect", string(opts.Dialect),
			"frame_len", len(frame),
			"frame_hex", hex.EncodeToString(frame),
		)
		if err := tr.Write(frame); err != nil {
			return nil, err
		}

		response, err := ReadResponse(tr, timeout, opts)
		if err != nil {
			switch err.(type) {
			case *FramingError, *TimeoutError:
				logger.Warn("datecs exchange failed",
					"attempt", attempt+1,
					"cmd", fmt.Sprintf("0x%02X", cmd),
					"error", err.Error(),
				)
				lastErr = err
				continue
			default:
				return nil, err
			}
		}

		logger.Debug("datecs frame received",
			"cmd", fmt.Sprintf("0x%02X", cmd),
			"seq", fmt.Sprintf("0x%02X", seq),
			"status_hex", hex.EncodeToString(response.Status),
			"fields", len(response.Fields),
		)
		return response, nil
	}
	return nil, lastErr
}
