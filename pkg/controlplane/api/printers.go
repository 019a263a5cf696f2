package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/adapter"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
	"github.com/datecs-gw/fiscalgw/pkg/pinpad"
	"github.com/datecs-gw/fiscalgw/pkg/queue"
)

// PrinterHandler serves the fleet CRUD and the direct device operations.
// Device operations take the printer's queue lock so they never interleave
// with a running job on the same wire.
type PrinterHandler struct {
	store  *store.GORMStore
	locks  *queue.PrinterLocks
	runner queue.Runner
	dryRun bool
}

// NewPrinterHandler builds the handler. A nil runner uses queue.Execute.
func NewPrinterHandler(s *store.GORMStore, locks *queue.PrinterLocks, runner queue.Runner, dryRun bool) *PrinterHandler {
	if runner == nil {
		runner = queue.Execute
	}
	if locks == nil {
		locks = queue.NewPrinterLocks()
	}
	return &PrinterHandler{store: s, locks: locks, runner: runner, dryRun: dryRun}
}

// validatePrinter enforces the transport-dependent required fields.
func validatePrinter(p *models.Printer) error {
	if strings.TrimSpace(p.Name) == "" {
		return &fiscal.ValidationError{Detail: "name is required"}
	}
	if _, err := adapter.Lookup(p.Model); err != nil {
		return &fiscal.ValidationError{Detail: err.Error()}
	}
	switch strings.ToLower(strings.TrimSpace(p.Transport)) {
	case "serial":
		if p.SerialPort == "" {
			return &fiscal.ValidationError{Detail: "serial transport requires serial_port"}
		}
	case "lan":
		if p.Host == "" || p.Port <= 0 {
			return &fiscal.ValidationError{Detail: "lan transport requires host and port"}
		}
	default:
		return &fiscal.ValidationError{Detail: "transport must be 'serial' or 'lan'"}
	}
	return nil
}

// withConfig populates the parsed config blob for the JSON response.
func withConfig(p *models.Printer) *models.Printer {
	if _, err := p.GetConfig(); err != nil {
		logger.Warn("printer config unreadable", "printer_id", p.ID, "error", err)
	}
	return p
}

func (h *PrinterHandler) List(w http.ResponseWriter, r *http.Request) {
	printers, err := h.store.ListPrinters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, p := range printers {
		withConfig(p)
	}
	writeJSON(w, http.StatusOK, printers)
}

func (h *PrinterHandler) Create(w http.ResponseWriter, r *http.Request) {
	var printer models.Printer
	if !decodeBody(w, r, &printer) {
		return
	}
	if err := validatePrinter(&printer); err != nil {
		writeError(w, err)
		return
	}
	if printer.ParsedConfig != nil {
		if err := printer.SetConfig(printer.ParsedConfig); err != nil {
			writeError(w, err)
			return
		}
	}
	if _, err := h.store.CreatePrinter(r.Context(), &printer); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("printer created", "printer_id", printer.ID, "model", printer.Model, "transport", printer.Transport)
	writeJSON(w, http.StatusCreated, withConfig(&printer))
}

func (h *PrinterHandler) Get(w http.ResponseWriter, r *http.Request) {
	printer, err := h.store.GetPrinter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withConfig(printer))
}

func (h *PrinterHandler) Update(w http.ResponseWriter, r *http.Request) {
	var printer models.Printer
	if !decodeBody(w, r, &printer) {
		return
	}
	printer.ID = chi.URLParam(r, "id")
	if err := validatePrinter(&printer); err != nil {
		writeError(w, err)
		return
	}
	if printer.ParsedConfig != nil {
		if err := printer.SetConfig(printer.ParsedConfig); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := h.store.UpdatePrinter(r.Context(), &printer); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.store.GetPrinter(r.Context(), printer.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("printer updated", "printer_id", printer.ID)
	writeJSON(w, http.StatusOK, withConfig(updated))
}

func (h *PrinterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeletePrinter(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("printer deleted", "printer_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// TestPrint runs a diagnostic print synchronously, bypassing the queue but
// not the device lock.
func (h *PrinterHandler) TestPrint(w http.ResponseWriter, r *http.Request) {
	printer, err := h.store.GetPrinter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	lock := h.locks.Get(printer.ID)
	lock.Lock()
	defer lock.Unlock()

	result, err := h.runner(printer, "test", json.RawMessage(`{}`), h.dryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(result))
}

// Status polls the device without creating a job. Pinpads answer with their
// reader state, fiscal printers with the decoded status vector.
func (h *PrinterHandler) Status(w http.ResponseWriter, r *http.Request) {
	printer, err := h.store.GetPrinter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := adapter.Lookup(printer.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	lock := h.locks.Get(printer.ID)
	lock.Lock()
	defer lock.Unlock()

	if profile.Family == adapter.FamilyPinpad {
		device, err := queue.PinpadDevice(printer)
		if err != nil {
			writeError(w, err)
			return
		}
		status, err := pinpad.ReadStatus(device)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	device, err := queue.FiscalDevice(printer)
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot, err := fiscal.Status(device)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *PrinterHandler) fiscalDevice(w http.ResponseWriter, r *http.Request) (*models.Printer, fiscal.Device, bool) {
	printer, err := h.store.GetPrinter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, fiscal.Device{}, false
	}
	profile, err := adapter.Lookup(printer.Model)
	if err != nil {
		writeError(w, err)
		return nil, fiscal.Device{}, false
	}
	if !profile.Fiscal() {
		writeError(w, &fiscal.ValidationError{Detail: "operation requires a fiscal printer, not a pinpad"})
		return nil, fiscal.Device{}, false
	}
	device, err := queue.FiscalDevice(printer)
	if err != nil {
		writeError(w, err)
		return nil, fiscal.Device{}, false
	}
	return printer, device, true
}

// ReadDateTime reads the printer clock and reports the drift from host time.
func (h *PrinterHandler) ReadDateTime(w http.ResponseWriter, r *http.Request) {
	printer, device, ok := h.fiscalDevice(w, r)
	if !ok {
		return
	}
	lock := h.locks.Get(printer.ID)
	lock.Lock()
	defer lock.Unlock()

	clock, err := fiscal.ReadDateTime(device)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clock)
}

// SyncDateTime sets the printer clock. An empty body means host time.
func (h *PrinterHandler) SyncDateTime(w http.ResponseWriter, r *http.Request) {
	printer, device, ok := h.fiscalDevice(w, r)
	if !ok {
		return
	}

	var body struct {
		DateTime *time.Time `json:"datetime"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	to := time.Time{}
	if body.DateTime != nil {
		to = *body.DateTime
	}

	lock := h.locks.Get(printer.ID)
	lock.Lock()
	defer lock.Unlock()

	clock, err := fiscal.SyncDateTime(device, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clock)
}

// CancelReceipt aborts whatever receipt the printer has open.
func (h *PrinterHandler) CancelReceipt(w http.ResponseWriter, r *http.Request) {
	printer, device, ok := h.fiscalDevice(w, r)
	if !ok {
		return
	}
	lock := h.locks.Get(printer.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := fiscal.CancelReceipt(device); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
