package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
)

// ErrServerRunning is returned when another serve process owns the PID file
var ErrServerRunning = errors.New("another serve process is running")

// ServerInfo is what a running serve process publishes about itself for the status command
type ServerInfo struct {
	PID           int       `json:"pid"`
	StartTime     time.Time `json:"start_time"`
	MetricsAddr   string    `json:"metrics_addr,omitempty"`
	SpoolDir      string    `json:"spool_dir,omitempty"`
	Schedules     []string  `json:"schedules,omitempty"`
	CurrentJob    string    `json:"current_job,omitempty"`
	QueuedJobs    int       `json:"queued_jobs"`
	CompletedJobs int       `json:"completed_jobs"`
	LastUpdate    time.Time `json:"last_update"`
}

// stateDir returns ~/.table-exporter
func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".table-exporter")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(stateDir(), "serve.pid")
}

// GetServerInfoPath returns the path to the server info file
func GetServerInfoPath() string {
	return filepath.Join(stateDir(), "serve.json")
}

func serveLock() (lockfile.Lockfile, error) {
	lf, err := lockfile.New(GetPIDFilePath())
	if err != nil {
		return "", fmt.Errorf("invalid PID file path: %w", err)
	}
	return lf, nil
}

// WritePIDFile takes the serve lock. A PID file left by a dead process, or one holding garbage,
// is replaced; a live owner is refused.
func WritePIDFile() error {
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	lf, err := serveLock()
	if err != nil {
		return err
	}
	if err := lf.TryLock(); err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			if owner, oerr := lf.GetOwner(); oerr == nil {
				return fmt.Errorf("%w (pid %d)", ErrServerRunning, owner.Pid)
			}
			return ErrServerRunning
		}
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// RemovePIDFile releases the serve lock. It fails if another process owns it.
func RemovePIDFile() error {
	lf, err := serveLock()
	if err != nil {
		return err
	}
	return lf.Unlock()
}

// servePID returns the PID of the live serve process.
func servePID() (int, error) {
	lf, err := serveLock()
	if err != nil {
		return 0, err
	}
	owner, err := lf.GetOwner()
	if err != nil {
		return 0, err
	}
	return owner.Pid, nil
}

// WriteServerInfo replaces the server info file via a temp file and rename, so readers never
// see a partial document.
func WriteServerInfo(info *ServerInfo) error {
	path := GetServerInfoPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server info: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadServerInfo reads the server info file
func ReadServerInfo() (*ServerInfo, error) {
	data, err := os.ReadFile(GetServerInfoPath())
	if err != nil {
		return nil, err
	}

	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server info: %w", err)
	}
	return &info, nil
}

// RemoveServerInfo removes the server info file
func RemoveServerInfo() error {
	return os.Remove(GetServerInfoPath())
}

// runningServer returns the info of a live serve process, or nil.
func runningServer() *ServerInfo {
	pid, err := servePID()
	if err != nil {
		return nil
	}
	info, err := ReadServerInfo()
	if err != nil || info.PID != pid {
		return nil
	}
	return info
}
