package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/status"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := validConfig()
	cfg.Serve.SpoolDir = filepath.Join(t.TempDir(), "spool")
	srv := newServer(cfg, status.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(srv.scheduler.Close)
	return srv
}

func TestServerHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.collector.JobStatusChanged("job1", exporter.JobRunning)

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz returned %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "table_exporter_") {
		t.Errorf("metrics output lacks exporter metrics:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var info ServerInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if info.SpoolDir != srv.base.Serve.SpoolDir {
		t.Errorf("status reports spool dir %q", info.SpoolDir)
	}
}

func TestServerRejectsInvalidJobFile(t *testing.T) {
	srv := newTestServer(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("output:\n  format: xml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.submitFile(path); err == nil {
		t.Fatal("expected an invalid job file to be rejected")
	}
	if len(srv.prepared) != 0 {
		t.Errorf("rejected job left %d prepared entries", len(srv.prepared))
	}

	if _, err := srv.submitFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected a missing job file to be rejected")
	}
}

func TestServerRunUnpreparedJob(t *testing.T) {
	srv := newTestServer(t)
	res := srv.Run(context.Background(), exporter.NewExportJob([]string{"public.orders"}))
	if res.Status != exporter.JobFailed || res.Err == nil {
		t.Errorf("expected a failed result, got %+v", res)
	}
}

func TestServerInfoTracksQueue(t *testing.T) {
	srv := newTestServer(t)
	srv.updateInfo(func(info *ServerInfo) { info.QueuedJobs = 2 })

	info, err := ReadServerInfo()
	if err != nil {
		t.Fatalf("ReadServerInfo: %v", err)
	}
	if info.QueuedJobs != 2 || info.SpoolDir != srv.base.Serve.SpoolDir {
		t.Errorf("unexpected server info %+v", info)
	}
}
