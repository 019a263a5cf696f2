// Package transport provides the uniform byte pipe used by both device
// protocols. A transport is a half-duplex stream to a single device over a
// serial port or a TCP socket; reads return an empty slice on timeout so
// callers can poll without treating silence as failure.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects the transport variant.
type Kind string

const (
	KindSerial Kind = "serial"
	KindLAN    Kind = "lan"
	KindDryRun Kind = "dryrun"
)

// Transport is the uniform byte pipe.
//
// Open is idempotent. Read returns up to n bytes and an empty slice when the
// deadline passes with nothing available; it only returns an error on a
// broken pipe. Close releases the OS handle and may be called more than once.
type Transport interface {
	Open() error
	Close() error
	Write(p []byte) error
	Read(n int) ([]byte, error)
}

// OpenErrorKind classifies open failures so callers can give targeted advice.
type OpenErrorKind string

const (
	OpenPortBusy       OpenErrorKind = "port-busy"
	OpenPortMissing    OpenErrorKind = "port-missing"
	OpenNetUnreachable OpenErrorKind = "net-unreachable"
	OpenFailed         OpenErrorKind = "open-failed"
)

// OpenError is returned when a transport cannot be opened. Mid-transaction
// I/O failures are returned unwrapped.
type OpenError struct {
	Kind   OpenErrorKind
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Settings describes how to reach a device. Kind determines which fields are
// required: serial needs Device and Baud, lan needs Host and Port.
type Settings struct {
	Kind     Kind
	Device   string // serial device path, e.g. /dev/ttyUSB0
	Baud     int
	DataBits int    // 5..8, default 8
	Parity   string // N, E, O, M, S
	StopBits string // 1, 1.5, 2
	Host     string
	Port     int
	Timeout  time.Duration // both read and write deadline
}

// ErrClosed is returned by I/O on a transport that was never opened or was
// already closed.
var ErrClosed = errors.New("transport is closed")

// New builds a transport from settings without opening it.
func New(s Settings) (Transport, error) {
	if s.Timeout <= 0 {
		s.Timeout = time.Second
	}
	switch s.Kind {
	case KindSerial:
		if s.Device == "" {
			return nil, fmt.Errorf("serial transport requires a device path")
		}
		return newSerial(s), nil
	case KindLAN:
		if s.Host == "" || s.Port == 0 {
			return nil, fmt.Errorf("lan transport requires host and port")
		}
		return newTCP(s), nil
	case KindDryRun:
		return NewDryRun(s), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", s.Kind)
	}
}
