package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/models"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
)

func testStore(t *testing.T) *store.GORMStore {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func testPrinter(t *testing.T, s *store.GORMStore, name string) *models.Printer {
	t.Helper()
	printer := &models.Printer{
		Name:      name,
		Model:     "datecs_fp700x",
		Transport: "lan",
		Host:      "127.0.0.1",
		Port:      4999,
		Enabled:   true,
	}
	if _, err := s.CreatePrinter(context.Background(), printer); err != nil {
		t.Fatalf("create printer: %v", err)
	}
	return printer
}

// waitTerminal polls until the job leaves the live states or the deadline hits.
func waitTerminal(t *testing.T, s *store.GORMStore, id string, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}

func TestDispatcherRunsJob(t *testing.T) {
	s := testStore(t)
	printer := testPrinter(t, s, "P1")
	ctx := context.Background()

	runner := func(p *models.Printer, payloadType string, payload json.RawMessage, dryRun bool) (json.RawMessage, error) {
		if p.ID != printer.ID || payloadType != "report" {
			t.Errorf("runner called with %s %s", p.ID, payloadType)
		}
		return json.RawMessage(`{"report_type":"Z"}`), nil
	}
	d := New(s, nil, Config{PollInterval: 10 * time.Millisecond}, runner)

	job, _ := s.CreateJob(ctx, printer.ID, "report", json.RawMessage(`{}`))
	d.poll(ctx)
	got := waitTerminal(t, s, job.ID, time.Second)
	if got.Status != models.JobSuccess {
		t.Fatalf("status = %s, error = %s", got.Status, got.Error)
	}
	if got.Result == "" {
		t.Error("result missing on success")
	}
	d.wg.Wait()
}

func TestRetryThenFail(t *testing.T) {
	s := testStore(t)
	printer := testPrinter(t, s, "P1")
	ctx := context.Background()

	var attempts atomic.Int32
	runner := func(*models.Printer, string, json.RawMessage, bool) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("device timeout")
	}
	d := New(s, nil, Config{MaxRetries: 1}, runner)

	job, _ := s.CreateJob(ctx, printer.ID, "report", nil)

	d.poll(ctx)
	d.wg.Wait()
	mid, _ := s.GetJob(ctx, job.ID)
	if mid.Status != models.JobQueued || mid.Retries != 1 {
		t.Fatalf("after first attempt: %+v", mid)
	}

	d.poll(ctx)
	d.wg.Wait()
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed || got.Error != "device timeout" {
		t.Fatalf("after second attempt: %+v", got)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d", attempts.Load())
	}
	if got.Retries != 1 {
		t.Errorf("retries = %d, want bounded at max", got.Retries)
	}
}

func TestJobTimeoutAbandonsExecution(t *testing.T) {
	s := testStore(t)
	printer := testPrinter(t, s, "P1")
	ctx := context.Background()

	release := make(chan struct{})
	runner := func(*models.Printer, string, json.RawMessage, bool) (json.RawMessage, error) {
		<-release
		return nil, nil
	}
	d := New(s, nil, Config{JobTimeout: 20 * time.Millisecond, MaxRetries: 1}, runner)

	job, _ := s.CreateJob(ctx, printer.ID, "report", nil)
	d.poll(ctx)
	d.wg.Wait()
	close(release)

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobQueued || got.Retries != 1 {
		t.Fatalf("timed-out job = %+v", got)
	}
	if got.Error == "" {
		t.Error("timeout error not recorded")
	}
}

func TestPerPrinterSerialisation(t *testing.T) {
	s := testStore(t)
	printer := testPrinter(t, s, "P1")
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string
	runner := func(_ *models.Printer, _ string, payload json.RawMessage, _ bool) (json.RawMessage, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, string(payload))
		mu.Unlock()
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	}
	d := New(s, nil, Config{}, runner)

	var ids []string
	for _, marker := range []string{`"1"`, `"2"`, `"3"`, `"4"`, `"5"`} {
		job, _ := s.CreateJob(ctx, printer.ID, "text", json.RawMessage(marker))
		ids = append(ids, job.ID)
	}
	d.poll(ctx)
	d.wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent executions = %d, want 1", got)
	}
	want := []string{`"1"`, `"2"`, `"3"`, `"4"`, `"5"`}
	mu.Lock()
	defer mu.Unlock()
	for i, marker := range want {
		if order[i] != marker {
			t.Fatalf("execution order = %v", order)
		}
	}
	for _, id := range ids {
		job, _ := s.GetJob(ctx, id)
		if job.Status != models.JobSuccess {
			t.Errorf("job %s = %s", id, job.Status)
		}
	}
}

func TestIndependentPrintersRunInParallel(t *testing.T) {
	s := testStore(t)
	p1 := testPrinter(t, s, "P1")
	p2 := testPrinter(t, s, "P2")
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	runner := func(*models.Printer, string, json.RawMessage, bool) (json.RawMessage, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	}
	d := New(s, nil, Config{}, runner)

	s.CreateJob(ctx, p1.ID, "text", nil)
	s.CreateJob(ctx, p2.ID, "text", nil)
	d.poll(ctx)
	d.wg.Wait()

	if got := maxInFlight.Load(); got != 2 {
		t.Errorf("max concurrent executions = %d, want 2", got)
	}
}

func TestCancelledJobLosesClaim(t *testing.T) {
	s := testStore(t)
	printer := testPrinter(t, s, "P1")
	ctx := context.Background()

	var ran atomic.Bool
	runner := func(*models.Printer, string, json.RawMessage, bool) (json.RawMessage, error) {
		ran.Store(true)
		return nil, nil
	}
	d := New(s, nil, Config{}, runner)

	job, _ := s.CreateJob(ctx, printer.ID, "text", nil)
	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	d.run(ctx, job)
	if ran.Load() {
		t.Error("cancelled job reached the runner")
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed || got.Error != "Cancelled by user" {
		t.Errorf("job = %+v", got)
	}
}

func TestPrinterLocksLazyCreation(t *testing.T) {
	locks := NewPrinterLocks()
	a := locks.Get("p1")
	b := locks.Get("p1")
	if a != b {
		t.Error("same printer must share one lock")
	}
	if locks.Get("p2") == a {
		t.Error("different printers must not share a lock")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.PollInterval != time.Second {
		t.Errorf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.JobTimeout != 15*time.Second {
		t.Errorf("job timeout = %s", cfg.JobTimeout)
	}
	if cfg.MaxRetries != 1 {
		t.Errorf("max retries = %d", cfg.MaxRetries)
	}
}
