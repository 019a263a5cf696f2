package api

import (
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/internal/transport"
	"github.com/datecs-gw/fiscalgw/pkg/adapter"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
)

// ToolsHandler serves the commissioning helpers: port discovery, the model
// registry, and baud-rate probing for an unconfigured printer.
type ToolsHandler struct{}

func NewToolsHandler() *ToolsHandler {
	return &ToolsHandler{}
}

// serialPortPatterns covers the device names USB-serial bridges and onboard
// UARTs show up under on Linux.
var serialPortPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/ttyAMA*",
	"/dev/ttyS[0-3]",
}

// SerialPorts lists candidate serial devices present on the host.
func (h *ToolsHandler) SerialPorts(w http.ResponseWriter, r *http.Request) {
	var ports []string
	for _, pattern := range serialPortPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

// Models lists the selectable printer model identifiers.
func (h *ToolsHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": adapter.SupportedModels()})
}

// detectBaudRates is the probe order, most common first.
var detectBaudRates = []int{115200, 38400, 19200, 9600, 57600}

type detectRequest struct {
	SerialPort string `json:"serial_port"`
	Model      string `json:"model"`
	BaudRates  []int  `json:"baud_rates"`
}

// DetectPrinter probes a serial port across baud rates with a status poll
// and reports the first rate the device answers on.
func (h *ToolsHandler) DetectPrinter(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SerialPort == "" {
		writeError(w, &fiscal.ValidationError{Detail: "serial_port is required"})
		return
	}
	if req.Model == "" {
		req.Model = "datecs_fp700mx"
	}
	profile, err := adapter.Lookup(req.Model)
	if err != nil {
		writeError(w, &fiscal.ValidationError{Detail: err.Error()})
		return
	}
	if !profile.Fiscal() {
		writeError(w, &fiscal.ValidationError{Detail: "detection probes fiscal printers only"})
		return
	}
	rates := req.BaudRates
	if len(rates) == 0 {
		rates = detectBaudRates
	}

	for _, baud := range rates {
		device := fiscal.Device{
			ID:      "detect:" + req.SerialPort,
			Profile: profile,
			Settings: transport.Settings{
				Kind:     transport.KindSerial,
				Device:   req.SerialPort,
				Baud:     baud,
				DataBits: 8,
				Parity:   "N",
				StopBits: "1",
				Timeout:  2 * time.Second,
			},
			Timeout: 2 * time.Second,
		}
		snapshot, err := fiscal.Status(device)
		if err != nil {
			logger.Debug("detect probe failed",
				"serial_port", req.SerialPort,
				"baud_rate", baud,
				"error", err,
			)
			continue
		}
		logger.Info("printer detected",
			"serial_port", req.SerialPort,
			"baud_rate", baud,
			"model", req.Model,
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"detected":  true,
			"baud_rate": baud,
			"model":     req.Model,
			"status":    snapshot,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detected": false})
}
