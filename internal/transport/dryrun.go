package transport

import (
	"encoding/hex"

	"github.com/datecs-gw/fiscalgw/internal/logger"
)

// DryRun swallows writes into the log and reads nothing. Used for offline
// validation of payload building without touching hardware.
type DryRun struct {
	settings Settings
	frames   [][]byte
}

// NewDryRun builds a dry-run transport.
func NewDryRun(s Settings) *DryRun {
	return &DryRun{settings: s}
}

func (t *DryRun) Open() error  { return nil }
func (t *DryRun) Close() error { return nil }

func (t *DryRun) Write(p []byte) error {
	frame := make([]byte, len(p))
	copy(frame, p)
	t.frames = append(t.frames, frame)
	logger.Info("dry-run frame",
		"target", t.settings.Device,
		"len", len(p),
		"hex", hex.EncodeToString(p),
	)
	return nil
}

func (t *DryRun) Read(n int) ([]byte, error) {
	return nil, nil
}

// Frames returns every frame written so far, in order.
func (t *DryRun) Frames() [][]byte {
	return t.frames
}
