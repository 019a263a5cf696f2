package datecs

import (
	"fmt"
	"time"
)

// FramingError reports a malformed frame: bad preamble or postamble, length
// mismatch, checksum mismatch, or a NAK from the device. The sender retries
// the same frame on it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "datecs framing: " + e.Reason
}

// TimeoutError reports that no complete frame arrived within the deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"timeout waiting for printer response after %s. "+
			"Check: 1) printer is on, 2) correct port, 3) correct baud rate "+
			"(try 9600, 19200, 38400, 57600, 115200), 4) cable is connected, "+
			"5) no other software is using the port",
		e.After,
	)
}
