package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	ap "github.com/panyam/aptitude"
)

// DocumentStore keeps every record as a JSON file under
// <StoragePath>/<collection>/<id>.json.  Values round trip through JSON so times
// come back as RFC3339 strings and numbers as float64.
type DocumentStore struct {
	StoragePath string
	mu          sync.RWMutex
}

func NewDocumentStore(storagePath string) *DocumentStore {
	return &DocumentStore{StoragePath: storagePath}
}

type fileRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (s *DocumentStore) collectionDir(collection string) string {
	return filepath.Join(s.StoragePath, safeName(collection))
}

func (s *DocumentStore) recordPath(collection, id string) string {
	return filepath.Join(s.collectionDir(collection), safeName(id)+".json")
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*ap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(collection, id)
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, fields map[string]any, mode ap.WriteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == ap.Merge {
		existing, err := s.read(collection, id)
		if err == nil {
			fields = ap.MergeFields(existing.Fields, fields)
		} else if !errors.Is(err, ap.ErrNotFound) {
			return err
		}
	}
	return s.write(collection, id, fields)
}

func (s *DocumentStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	if err := s.write(collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read(collection, id)
	if err != nil {
		return err
	}
	return s.write(collection, id, ap.MergeFields(existing.Fields, fields))
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.recordPath(collection, id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting %s/%s", collection, id)
	}
	return nil
}

// List scans the collection directory.  Records come back ordered by id.
func (s *DocumentStore) List(ctx context.Context, collection string, filters ...ap.Filter) ([]*ap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.collectionDir(collection))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", collection)
	}

	var out []*ap.Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.read(collection, unsafeName(strings.TrimSuffix(name, ".json")))
		if errors.Is(err, ap.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ap.MatchesFilters(rec.Fields, filters) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DocumentStore) read(collection, id string) (*ap.Record, error) {
	data, err := os.ReadFile(s.recordPath(collection, id))
	if os.IsNotExist(err) {
		return nil, ap.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s/%s", collection, id)
	}
	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, errors.Wrapf(err, "decoding %s/%s", collection, id)
	}
	if fr.Fields == nil {
		fr.Fields = map[string]any{}
	}
	return &ap.Record{ID: id, Fields: fr.Fields}, nil
}

func (s *DocumentStore) write(collection, id string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.MarshalIndent(fileRecord{ID: id, Fields: fields}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s/%s", collection, id)
	}
	return writeAtomicFile(s.recordPath(collection, id), data)
}
