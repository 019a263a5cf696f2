package transport

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// serialTransport wraps a tarm/serial port. The read timeout is fixed at
// open time; per-call deadlines are implemented by the frame readers above
// this layer, which poll in small increments.
type serialTransport struct {
	settings Settings
	port     *serial.Port
}

func newSerial(s Settings) *serialTransport {
	return &serialTransport{settings: s}
}

func (t *serialTransport) Open() error {
	if t.port != nil {
		return nil
	}

	cfg := &serial.Config{
		Name: t.settings.Device,
		Baud: t.settings.Baud,
		// Small read timeout so Read(n) behaves as a poll; the protocol
		// layer owns the overall deadline.
		ReadTimeout: 50 * time.Millisecond,
		Size:        byte(t.settings.DataBits),
		Parity:      parityOf(t.settings.Parity),
		StopBits:    stopBitsOf(t.settings.StopBits),
	}
	if cfg.Size == 0 {
		cfg.Size = 8
	}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		return &OpenError{Kind: classifySerialError(err), Target: t.settings.Device, Err: err}
	}
	t.port = port
	return nil
}

func (t *serialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *serialTransport) Write(p []byte) error {
	if t.port == nil {
		return ErrClosed
	}
	_, err := t.port.Write(p)
	return err
}

func (t *serialTransport) Read(n int) ([]byte, error) {
	if t.port == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	read, err := t.port.Read(buf)
	if err != nil {
		// The port signals an expired read timeout as EOF with zero bytes.
		if err == io.EOF && read == 0 {
			return nil, nil
		}
		return nil, err
	}
	return buf[:read], nil
}

func classifySerialError(err error) OpenErrorKind {
	if os.IsNotExist(err) {
		return OpenPortMissing
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "cannot find"):
		return OpenPortMissing
	case strings.Contains(msg, "busy"), strings.Contains(msg, "access is denied"),
		strings.Contains(msg, "permission denied"):
		return OpenPortBusy
	default:
		return OpenFailed
	}
}

func parityOf(s string) serial.Parity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "E":
		return serial.ParityEven
	case "O":
		return serial.ParityOdd
	case "M":
		return serial.ParityMark
	case "S":
		return serial.ParitySpace
	default:
		return serial.ParityNone
	}
}

func stopBitsOf(s string) serial.StopBits {
	switch strings.TrimSpace(s) {
	case "2":
		return serial.Stop2
	case "1.5":
		return serial.Stop1Half
	default:
		return serial.Stop1
	}
}
