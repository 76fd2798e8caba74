package registry

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
)

// Record is the externally visible summary of a session.
type Record struct {
	ID        string        `json:"id"`
	State     session.State `json:"state"`
	Kinds     []media.Kind  `json:"kinds"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RecordStore mirrors session records for operators and other instances.
// This interface abstracts the storage backend:
// - MemoryRecordStore: single-instance deployment (in-memory map)
// - RedisRecordStore: multi-instance deployment (Redis for shared state)
type RecordStore interface {
	// Save stores or updates a record.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a record. Returns nil if it does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// List returns all records.
	List(ctx context.Context) ([]*Record, error)
}
