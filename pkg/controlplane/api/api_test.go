package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/queue"
)

func testRouter(t *testing.T, runner queue.Runner) (http.Handler, *store.GORMStore) {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewRouter(Deps{Store: s, Runner: runner}), s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func printerBody(name string) map[string]any {
	return map[string]any{
		"name":      name,
		"model":     "datecs_fp700x",
		"transport": "lan",
		"host":      "127.0.0.1",
		"port":      4999,
		"enabled":   true,
		"config":    map[string]any{"operator": map[string]any{"id": "1", "password": "1"}},
	}
}

func TestPrinterCRUDOverHTTP(t *testing.T) {
	h, _ := testRouter(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/printers/", printerBody("Kasa 1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[models.Printer](t, rec)
	if created.ID == "" || created.Name != "Kasa 1" {
		t.Fatalf("created = %+v", created)
	}
	if created.ParsedConfig["operator"] == nil {
		t.Error("config blob not echoed back")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/printers/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/printers/", nil)
	if got := decode[[]models.Printer](t, rec); len(got) != 1 {
		t.Fatalf("list = %d printers", len(got))
	}

	update := printerBody("Kasa 1 renamed")
	rec = doJSON(t, h, http.MethodPut, "/api/printers/"+created.ID, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Printer](t, rec); got.Name != "Kasa 1 renamed" {
		t.Errorf("updated name = %q", got.Name)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/printers/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/printers/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestPrinterValidation(t *testing.T) {
	h, _ := testRouter(t, nil)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		detail string
	}{
		{"missing name", func(b map[string]any) { b["name"] = "" }, "name is required"},
		{"unknown model", func(b map[string]any) { b["model"] = "epson_tm" }, "unsupported printer model"},
		{"bad transport", func(b map[string]any) { b["transport"] = "bluetooth" }, "transport must be"},
		{"lan without host", func(b map[string]any) { b["host"] = "" }, "requires host and port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := printerBody("P")
			tc.mutate(body)
			rec := doJSON(t, h, http.MethodPost, "/api/printers/", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			got := decode[map[string]string](t, rec)
			if !strings.Contains(got["detail"], tc.detail) {
				t.Errorf("detail = %q", got["detail"])
			}
		})
	}
}

func TestJobEndpoints(t *testing.T) {
	h, s := testRouter(t, nil)
	rec := doJSON(t, h, http.MethodPost, "/api/printers/", printerBody("P"))
	printer := decode[models.Printer](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/", map[string]any{
		"printer_id":   printer.ID,
		"payload_type": "fiscal_receipt",
		"payload":      map[string]any{"items": []any{}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job = %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[models.Job](t, rec)
	if job.Status != models.JobQueued {
		t.Fatalf("status = %s", job.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/jobs/?printer_id="+printer.ID, nil)
	if got := decode[[]models.Job](t, rec); len(got) != 1 {
		t.Fatalf("list = %d jobs", len(got))
	}

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Job](t, rec); got.Status != models.JobFailed {
		t.Errorf("cancelled status = %s", got.Status)
	}

	// Cancelling a terminal job conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Job](t, rec); got.Status != models.JobQueued {
		t.Errorf("retried status = %s", got.Status)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/", map[string]any{
		"printer_id":   "no-such-printer",
		"payload_type": "report",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown printer = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/", map[string]any{"printer_id": printer.ID})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing payload_type = %d", rec.Code)
	}
	_ = s
}

func TestTestPrintUsesRunner(t *testing.T) {
	var gotType string
	runner := func(p *models.Printer, payloadType string, payload json.RawMessage, dryRun bool) (json.RawMessage, error) {
		gotType = payloadType
		return json.RawMessage(`{"printed":true}`), nil
	}
	h, _ := testRouter(t, runner)
	rec := doJSON(t, h, http.MethodPost, "/api/printers/", printerBody("P"))
	printer := decode[models.Printer](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/printers/"+printer.ID+"/test-print", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test-print = %d: %s", rec.Code, rec.Body.String())
	}
	if gotType != "test" {
		t.Errorf("payload type = %q", gotType)
	}
	if got := decode[map[string]bool](t, rec); !got["printed"] {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestDateTimeRejectsPinpad(t *testing.T) {
	h, _ := testRouter(t, nil)
	body := printerBody("Pinpad")
	body["model"] = "datecspay_bluepad50"
	rec := doJSON(t, h, http.MethodPost, "/api/printers/", body)
	printer := decode[models.Printer](t, rec)

	rec = doJSON(t, h, http.MethodGet, "/api/printers/"+printer.ID+"/datetime", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("datetime on pinpad = %d", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	h, s := testRouter(t, nil)
	for _, level := range []string{"INFO", "ERROR"} {
		if err := s.AppendLog(context.Background(), level, "msg "+level, ""); err != nil {
			t.Fatal(err)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/api/logs?level=ERROR", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs = %d", rec.Code)
	}
	entries := decode[[]models.LogEntry](t, rec)
	if len(entries) != 1 || entries[0].Level != "ERROR" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestToolsModels(t *testing.T) {
	h, _ := testRouter(t, nil)
	rec := doJSON(t, h, http.MethodGet, "/api/tools/models", nil)
	got := decode[map[string][]string](t, rec)
	found := false
	for _, model := range got["models"] {
		if model == "datecs_fp700mx" {
			found = true
		}
	}
	if !found {
		t.Errorf("models = %v", got["models"])
	}
}

func TestMQTTStatusDisabled(t *testing.T) {
	h, _ := testRouter(t, nil)
	rec := doJSON(t, h, http.MethodGet, "/api/mqtt/status", nil)
	got := decode[map[string]any](t, rec)
	if got["enabled"] != false || got["connected"] != false {
		t.Errorf("status = %v", got)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/mqtt/publish", map[string]any{"topic": "t"})
	if rec.Code != http.StatusConflict {
		t.Errorf("publish while disabled = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := testRouter(t, nil)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
