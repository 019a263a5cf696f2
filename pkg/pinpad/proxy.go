package pinpad

import (
	"fmt"
	"net"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/protocol/datecspay"
)

// External-internet command codes sent by the gateway (subevent codes use the
// datecspay constants).
const (
	extCmdReceiveData  = 0x01
	extCmdEventConfirm = 0x02
)

// proxyMTU caps the payload size of one RECEIVE DATA push to the reader.
const proxyMTU = 0x0400

// socketProxy holds the host-side sockets the card reader opens through the
// gateway to reach the authorization host. Socket ids are assigned by the
// reader.
type socketProxy struct {
	sockets       map[byte]net.Conn
	correlationID string
}

func newSocketProxy(correlationID string) *socketProxy {
	return &socketProxy{
		sockets:       make(map[byte]net.Conn),
		correlationID: correlationID,
	}
}

func (p *socketProxy) open(id byte, network, addr string, timeout time.Duration) error {
	if old, ok := p.sockets[id]; ok {
		old.Close()
		delete(p.sockets, id)
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return err
	}
	p.sockets[id] = conn
	logger.Info("pinpad proxy socket open",
		"socket_id", id,
		"network", network,
		"addr", addr,
		"correlation_id", p.correlationID,
	)
	return nil
}

func (p *socketProxy) close(id byte) {
	if conn, ok := p.sockets[id]; ok {
		conn.Close()
		delete(p.sockets, id)
		logger.Info("pinpad proxy socket closed",
			"socket_id", id,
			"correlation_id", p.correlationID,
		)
	}
}

func (p *socketProxy) closeAll() {
	for id, conn := range p.sockets {
		conn.Close()
		delete(p.sockets, id)
	}
}

func (p *socketProxy) send(id byte, payload []byte) error {
	conn, ok := p.sockets[id]
	if !ok {
		return fmt.Errorf("pinpad proxy: socket %d not open", id)
	}
	_, err := conn.Write(payload)
	return err
}

// handleExtEvent services one external-internet event from the reader. Every
// subevent gets an EVENT CONFIRM reply carrying the subevent code and an
// ok/fail byte; the open confirmation also advertises the proxy MTU.
func (s *session) handleExtEvent(event *datecspay.Event) {
	switch event.Subevent {
	case datecspay.ExtSocketOpen:
		s.extSocketOpen(event.Data)
	case datecspay.ExtSocketClose:
		if len(event.Data) > 0 {
			s.proxy.close(event.Data[0])
		}
		s.extConfirm([]byte{datecspay.ExtSocketClose, 0x00})
	case datecspay.ExtSendData:
		s.extSendData(event.Data)
	default:
		logger.Warn("unhandled ext-internet subevent",
			"subevent", fmt.Sprintf("0x%02X", event.Subevent),
			"correlation_id", s.correlationID,
		)
	}
}

// extSocketOpen decodes [id][type][ip0..ip3][port be16][timeout be16] and
// dials the host. Type 1 and 3 are TCP, everything else UDP.
func (s *session) extSocketOpen(data []byte) {
	if len(data) < 10 {
		logger.Error("socket open event too short",
			"len", len(data),
			"correlation_id", s.correlationID,
		)
		s.extConfirm([]byte{datecspay.ExtSocketOpen, 0x01, proxyMTU >> 8, proxyMTU & 0xFF})
		return
	}
	id := data[0]
	network := "udp"
	if data[1] == 1 || data[1] == 3 {
		network = "tcp"
	}
	addr := fmt.Sprintf("%d.%d.%d.%d:%d", data[2], data[3], data[4], data[5],
		int(data[6])<<8|int(data[7]))
	timeout := time.Duration(int(data[8])<<8|int(data[9])) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var ok byte
	if err := s.proxy.open(id, network, addr, timeout); err != nil {
		logger.Error("pinpad proxy dial failed",
			"socket_id", id,
			"addr", addr,
			"error", err,
			"correlation_id", s.correlationID,
		)
		ok = 0x01
	}
	s.extConfirm([]byte{datecspay.ExtSocketOpen, ok, proxyMTU >> 8, proxyMTU & 0xFF})
}

// extSendData relays reader bytes to the host socket, then forwards whatever
// the host answers back as RECEIVE DATA pushes.
func (s *session) extSendData(data []byte) {
	if len(data) < 1 {
		s.extConfirm([]byte{datecspay.ExtSendData, 0x01})
		return
	}
	id := data[0]
	var ok byte
	if err := s.proxy.send(id, data[1:]); err != nil {
		logger.Error("pinpad proxy send failed",
			"socket_id", id,
			"error", err,
			"correlation_id", s.correlationID,
		)
		ok = 0x01
	}
	s.extConfirm([]byte{datecspay.ExtSendData, ok})
	if ok != 0 {
		return
	}
	time.Sleep(50 * time.Millisecond)
	s.forwardHostData(id, 5*time.Second)
}

func (s *session) extConfirm(data []byte) {
	if _, err := s.extInternet(extCmdEventConfirm, data); err != nil {
		logger.Error("ext event confirm failed",
			"error", err,
			"correlation_id", s.correlationID,
		)
	}
}

// forwardHostData reads one host reply and pushes it to the reader in MTU
// sized RECEIVE DATA chunks, retrying while the reader reports busy.
func (s *session) forwardHostData(id byte, wait time.Duration) {
	conn, ok := s.proxy.sockets[id]
	if !ok {
		return
	}
	conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		if err != nil {
			if ne, isNet := err.(net.Error); !isNet || !ne.Timeout() {
				logger.Warn("pinpad proxy read failed",
					"socket_id", id,
					"error", err,
					"correlation_id", s.correlationID,
				)
			}
		}
		return
	}
	s.pushToReader(id, buf[:n])
}

// pushToReader forwards host bytes as RECEIVE DATA messages. The payload is
// the bare chunk, no socket id, and never exceeds the advertised MTU.
func (s *session) pushToReader(id byte, payload []byte) {
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > proxyMTU {
			chunk = chunk[:proxyMTU]
		}
		payload = payload[len(chunk):]

		for {
			resp, err := s.extInternet(extCmdReceiveData, chunk)
			if err != nil {
				logger.Error("receive-data push failed",
					"socket_id", id,
					"error", err,
					"correlation_id", s.correlationID,
				)
				return
			}
			if resp.Status != datecspay.StatusBusy {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// pollSockets drains any pending host bytes into the reader between event
// reads, keeping the authorization dialogue moving.
func (s *session) pollSockets() {
	for id, conn := range s.proxy.sockets {
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
				continue
			}
			logger.Warn("pinpad proxy socket dropped",
				"socket_id", id,
				"error", err,
				"correlation_id", s.correlationID,
			)
			s.proxy.close(id)
			continue
		}
		if n > 0 {
			s.pushToReader(id, buf[:n])
		}
	}
}
