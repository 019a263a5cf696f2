package transport

import "sync"

// Loopback is an in-memory transport scripted by a responder function. Every
// Write is recorded and handed to the responder, whose output is queued for
// subsequent Reads. Protocol and session tests use it in place of hardware.
type Loopback struct {
	mu      sync.Mutex
	opened  bool
	written [][]byte
	pending []byte

	// Responder maps an outbound frame to the bytes the device would send
	// back. A nil responder leaves reads empty.
	Responder func(frame []byte) []byte
}

func (l *Loopback) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = true
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = false
	return nil
}

func (l *Loopback) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return ErrClosed
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	l.written = append(l.written, frame)
	if l.Responder != nil {
		l.pending = append(l.pending, l.Responder(frame)...)
	}
	return nil
}

func (l *Loopback) Read(n int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return nil, ErrClosed
	}
	if len(l.pending) == 0 {
		return nil, nil
	}
	if n > len(l.pending) {
		n = len(l.pending)
	}
	out := l.pending[:n]
	l.pending = l.pending[n:]
	return out, nil
}

// Inject queues bytes for reading without a corresponding write, as a device
// does when it volunteers an event.
func (l *Loopback) Inject(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
}

// Written returns every frame written so far.
func (l *Loopback) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}
