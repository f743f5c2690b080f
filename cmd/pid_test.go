package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestPIDFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("WritePIDFile", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(GetPIDFilePath())
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
			t.Fatalf("expected PID %d, got %q", os.Getpid(), data)
		}
		pid, err := servePID()
		if err != nil || pid != os.Getpid() {
			t.Fatalf("servePID() = %d, %v", pid, err)
		}
	})

	t.Run("Reentrant", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatalf("the owner may lock again: %v", err)
		}
	})

	t.Run("RefusesLiveOwner", func(t *testing.T) {
		// pid 1 always exists on unix
		if err := os.WriteFile(GetPIDFilePath(), []byte("1\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if p, _ := os.FindProcess(1); p == nil || p.Signal(syscall.Signal(0)) != nil {
			t.Skip("pid 1 not visible in this environment")
		}
		if err := WritePIDFile(); !errors.Is(err, ErrServerRunning) {
			t.Fatalf("expected ErrServerRunning, got %v", err)
		}
	})

	t.Run("ReplacesStaleFile", func(t *testing.T) {
		if err := os.WriteFile(GetPIDFilePath(), []byte("not-a-pid"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := WritePIDFile(); err != nil {
			t.Fatalf("a corrupt PID file should be replaced: %v", err)
		}
	})

	t.Run("RemovePIDFile", func(t *testing.T) {
		if err := WritePIDFile(); err != nil {
			t.Fatal(err)
		}
		if err := RemovePIDFile(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(GetPIDFilePath()); !os.IsNotExist(err) {
			t.Fatalf("PID file should be removed, got %v", err)
		}
		if _, err := servePID(); err == nil {
			t.Error("no owner expected after removal")
		}
	})
}

func TestServerInfo(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if runningServer() != nil {
		t.Fatal("no server should be reported without files")
	}

	info := &ServerInfo{
		PID:         os.Getpid(),
		StartTime:   time.Now(),
		MetricsAddr: ":9102",
		Schedules:   []string{"nightly"},
		CurrentJob:  "exp_abc",
		QueuedJobs:  2,
	}
	if err := WriteServerInfo(info); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(GetServerInfoPath())
	if err != nil {
		t.Fatal(err)
	}
	var saved ServerInfo
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.CurrentJob != "exp_abc" || saved.QueuedJobs != 2 || saved.LastUpdate.IsZero() {
		t.Fatalf("unexpected server info %+v", saved)
	}
	if _, err := os.Stat(GetServerInfoPath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}

	if runningServer() != nil {
		t.Error("server info without a PID file is not a running server")
	}
	if err := WritePIDFile(); err != nil {
		t.Fatal(err)
	}
	if got := runningServer(); got == nil || got.MetricsAddr != ":9102" {
		t.Errorf("runningServer() = %+v", got)
	}

	if err := RemoveServerInfo(); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadServerInfo(); !os.IsNotExist(err) {
		t.Errorf("expected not-exist after removal, got %v", err)
	}
}
