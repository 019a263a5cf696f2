package transport

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// pollInterval bounds a single Read so frame readers can enforce their own
// overall deadline in small steps.
const pollInterval = 50 * time.Millisecond

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

type tcpTransport struct {
	settings Settings
	conn     net.Conn
}

func newTCP(s Settings) *tcpTransport {
	return &tcpTransport{settings: s}
}

func (t *tcpTransport) addr() string {
	return fmt.Sprintf("%s:%d", t.settings.Host, t.settings.Port)
}

func (t *tcpTransport) Open() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.addr(), t.settings.Timeout)
	if err != nil {
		return &OpenError{Kind: classifyNetError(err), Target: t.addr(), Err: err}
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *tcpTransport) Write(p []byte) error {
	if t.conn == nil {
		return ErrClosed
	}
	if err := t.conn.SetWriteDeadline(deadline(t.settings.Timeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpTransport) Read(n int) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrClosed
	}
	if err := t.conn.SetReadDeadline(deadline(pollInterval)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:read], nil
}

func classifyNetError(err error) OpenErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "no route"):
		return OpenNetUnreachable
	default:
		return OpenFailed
	}
}
