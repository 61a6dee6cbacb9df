//go:build !wasm
// +build !wasm

package gorm

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	ap "github.com/panyam/aptitude"
)

// AutoMigrate creates or updates the records table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RecordModel{})
}

// DocumentStore implements ap.DocumentStore using GORM
type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) find(tx *gorm.DB, collection, id string) (*RecordModel, error) {
	var m RecordModel
	err := tx.Where("collection = ? AND id = ?", collection, id).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ap.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s/%s", collection, id)
	}
	return &m, nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*ap.Record, error) {
	m, err := s.find(s.db.WithContext(ctx), collection, id)
	if err != nil {
		return nil, err
	}
	return toRecord(m), nil
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, fields map[string]any, mode ap.WriteMode) error {
	if mode == ap.Overwrite {
		return s.upsert(s.db.WithContext(ctx), collection, id, fields)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.find(tx, collection, id)
		if err != nil && !errors.Is(err, ap.ErrNotFound) {
			return err
		}
		if existing != nil {
			fields = ap.MergeFields(existing.Fields, fields)
		}
		return s.upsert(tx, collection, id, fields)
	})
}

func (s *DocumentStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	m := &RecordModel{Collection: collection, ID: uuid.NewString(), Fields: JSONMap(ap.MergeFields(nil, fields))}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return "", errors.Wrapf(err, "creating in %s", collection)
	}
	return m.ID, nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.find(tx, collection, id)
		if err != nil {
			return err
		}
		return s.upsert(tx, collection, id, ap.MergeFields(existing.Fields, fields))
	})
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&RecordModel{}).Error
	return errors.Wrapf(err, "deleting %s/%s", collection, id)
}

func (s *DocumentStore) List(ctx context.Context, collection string, filters ...ap.Filter) ([]*ap.Record, error) {
	var models []RecordModel
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", collection)
	}
	var out []*ap.Record
	for i := range models {
		if ap.MatchesFilters(models[i].Fields, filters) {
			out = append(out, toRecord(&models[i]))
		}
	}
	return out, nil
}

func (s *DocumentStore) upsert(tx *gorm.DB, collection, id string, fields map[string]any) error {
	m := &RecordModel{Collection: collection, ID: id, Fields: JSONMap(ap.MergeFields(nil, fields))}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(m).Error
	return errors.Wrapf(err, "writing %s/%s", collection, id)
}

func toRecord(m *RecordModel) *ap.Record {
	fields := map[string]any(m.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	return &ap.Record{ID: m.ID, Fields: fields}
}
