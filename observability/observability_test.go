package observability

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RunFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunStarted()
	if got := testutil.ToFloat64(m.running); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	m.RunFinished(RunSample{
		Status: "succeeded", Duration: 2 * time.Second,
		Processed: 10, Inserted: 3, Changed: 2, Skipped: 1, Snapshots: 5,
		Missing: 4, ItemsInDB: 13, DBSizeBytes: 4096, RatesLive: true,
	})

	if got := testutil.ToFloat64(m.runs.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("runs{succeeded} = %v", got)
	}
	if got := testutil.ToFloat64(m.items.WithLabelValues("unchanged")); got != 5 {
		t.Errorf("items{unchanged} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.missing); got != 4 {
		t.Errorf("missing = %v", got)
	}
	if got := testutil.ToFloat64(m.ratesLive); got != 1 {
		t.Errorf("rates_live = %v", got)
	}
	if got := testutil.ToFloat64(m.running); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
}

func TestMetrics_FailedRunKeepsGauges(t *testing.T) {
	// WHAT: A failed run bumps runs{failed} but leaves state gauges alone.
	// WHY: The store is untouched by a failed pass, so its gauges still hold.
	m := NewMetrics(prometheus.NewRegistry())
	m.RunFinished(RunSample{Status: "succeeded", ItemsInDB: 7})
	m.RunFinished(RunSample{Status: "failed"})

	if got := testutil.ToFloat64(m.itemsInDB); got != 7 {
		t.Errorf("items_in_db = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("failed")); got != 1 {
		t.Errorf("runs{failed} = %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished(RunSample{Status: "failed"})
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	NewMetrics(reg).RunFinished(RunSample{Status: "skipped"})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `pricesync_runs_total{status="skipped"} 1`) {
		t.Errorf("metrics output missing runs_total:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("runtime collector not registered")
	}
}

func TestNewLogger_File(t *testing.T) {
	// WHAT: Records go to both the writer and the rotated file.
	path := filepath.Join(t.TempDir(), "logs", "pricesync.log")
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LogConfig{Level: "debug", File: path}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	closer.Close()

	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("stdout = %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"k":"v"`) {
		t.Errorf("file = %q", data)
	}
}

func TestNewLogger_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(LogConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "msg=kept") {
		t.Errorf("output = %q", buf.String())
	}

	if _, _, err := NewLogger(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Error("unknown format accepted")
	}
}
