// Package status persists job, table and chunk status along with their error history.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an entity has no recorded status.
var ErrNotFound = errors.New("entity not found")

// Entry is the latest status of one entity.
type Entry struct {
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorEntry is one recorded failure message.
type ErrorEntry struct {
	EntityID  string    `json:"entity_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence collaborator of the export engine. Implementations must be safe for
// concurrent use; SetStatus is idempotent.
type Store interface {
	SetStatus(ctx context.Context, entityID, status string) error
	GetStatus(ctx context.Context, entityID string) (string, error)
	RecordError(ctx context.Context, entityID, message string) error
	Errors(ctx context.Context, entityID string) ([]ErrorEntry, error)
	// List returns entries whose id starts with prefix, sorted by id.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// SaveJobConfig stores the submitted job configuration, already stripped of secrets.
	SaveJobConfig(ctx context.Context, jobID string, config []byte) error
	JobConfig(ctx context.Context, jobID string) ([]byte, error)
	Close() error
}

// JobEntity returns the entity id of a job.
func JobEntity(jobID string) string {
	return jobID
}

// TableEntity returns the entity id of a table within a job.
func TableEntity(jobID, table string) string {
	return jobID + "/" + table
}

// ChunkEntity returns the entity id of one chunk.
func ChunkEntity(jobID, table string, index int) string {
	return fmt.Sprintf("%s/%s/chunk/%d", jobID, table, index)
}

// Open returns the store for a backend name: "memory", "sqlite" (modernc, pure Go) or
// "sqlite3" (mattn, cgo).
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case DriverModernc, DriverMattn:
		return NewSQLiteStore(SQLiteConfig{Path: path, Driver: backend})
	default:
		return nil, fmt.Errorf("unknown status store backend: %s", backend)
	}
}
