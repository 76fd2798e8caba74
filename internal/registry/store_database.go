package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	"github.com/weiawesome/wes-io-live/broadcast-service/internal/session"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/database"
)

type recordRow struct {
	ID        string               `gorm:"primaryKey;size:64"`
	State     string               `gorm:"size:32;not null"`
	Kinds     database.StringArray `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (recordRow) TableName() string {
	return "broadcast_sessions"
}

// DatabaseRecordStore keeps session records in a SQL database through GORM.
type DatabaseRecordStore struct {
	db *gorm.DB
}

// NewDatabaseRecordStore opens the database and migrates the records table.
func NewDatabaseRecordStore(cfg database.Config) (*DatabaseRecordStore, error) {
	db, err := database.New(&cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db, &recordRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session records: %w", err)
	}
	return &DatabaseRecordStore{db: db}, nil
}

// Save stores or updates a record.
func (s *DatabaseRecordStore) Save(ctx context.Context, record *Record) error {
	kinds := make(database.StringArray, 0, len(record.Kinds))
	for _, k := range record.Kinds {
		kinds = append(kinds, k.String())
	}
	row := recordRow{
		ID:        record.ID,
		State:     record.State.String(),
		Kinds:     kinds,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "kinds", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get retrieves a record. Returns nil if it does not exist.
func (s *DatabaseRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	var row recordRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toRecord()
}

// Delete removes a record.
func (s *DatabaseRecordStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&recordRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns all records, oldest first.
func (s *DatabaseRecordStore) List(ctx context.Context) ([]*Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	result := make([]*Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Close closes the underlying connection pool.
func (s *DatabaseRecordStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r recordRow) toRecord() (*Record, error) {
	var state session.State
	if err := state.UnmarshalText([]byte(r.State)); err != nil {
		return nil, err
	}
	kinds := make([]media.Kind, 0, len(r.Kinds))
	for _, s := range r.Kinds {
		k, err := media.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return &Record{
		ID:        r.ID,
		State:     state,
		Kinds:     kinds,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Ensure DatabaseRecordStore implements RecordStore interface
var _ RecordStore = (*DatabaseRecordStore)(nil)
