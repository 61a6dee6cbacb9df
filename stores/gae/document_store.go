//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"

	ap "github.com/panyam/aptitude"
)

// Datastore refuses to index strings longer than this
const maxIndexedStringLen = 1500

// DocumentStore implements ap.DocumentStore using Google Cloud Datastore
type DocumentStore struct {
	client    *datastore.Client
	namespace string
}

// NewDocumentStore creates a new Datastore-backed DocumentStore
func NewDocumentStore(client *datastore.Client, namespace string) *DocumentStore {
	return &DocumentStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *DocumentStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (*ap.Record, error) {
	var props datastore.PropertyList
	err := s.client.Get(ctx, s.namespacedKey(collection, id), &props)
	if err == datastore.ErrNoSuchEntity {
		return nil, ap.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "datastore get %s/%s", collection, id)
	}
	return &ap.Record{ID: id, Fields: fromProperties(props)}, nil
}

func (s *DocumentStore) Set(ctx context.Context, collection, id string, fields map[string]any, mode ap.WriteMode) error {
	key := s.namespacedKey(collection, id)
	if mode == ap.Overwrite {
		props, err := toProperties(fields)
		if err != nil {
			return err
		}
		_, err = s.client.Put(ctx, key, &props)
		return errors.Wrapf(err, "datastore put %s/%s", collection, id)
	}

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing datastore.PropertyList
		if err := tx.Get(key, &existing); err != nil && err != datastore.ErrNoSuchEntity {
			return err
		}
		props, err := toProperties(ap.MergeFields(fromProperties(existing), fields))
		if err != nil {
			return err
		}
		_, err = tx.Put(key, &props)
		return err
	})
	return errors.Wrapf(err, "datastore merge %s/%s", collection, id)
}

// Create stores the record under a generated name key
func (s *DocumentStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	props, err := toProperties(fields)
	if err != nil {
		return "", err
	}
	if _, err := s.client.Put(ctx, s.namespacedKey(collection, id), &props); err != nil {
		return "", errors.Wrapf(err, "datastore create in %s", collection)
	}
	return id, nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	key := s.namespacedKey(collection, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing datastore.PropertyList
		if err := tx.Get(key, &existing); err != nil {
			if err == datastore.ErrNoSuchEntity {
				return ap.ErrNotFound
			}
			return err
		}
		props, err := toProperties(ap.MergeFields(fromProperties(existing), fields))
		if err != nil {
			return err
		}
		_, err = tx.Put(key, &props)
		return err
	})
	if errors.Is(err, ap.ErrNotFound) {
		return ap.ErrNotFound
	}
	return errors.Wrapf(err, "datastore update %s/%s", collection, id)
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	err := s.client.Delete(ctx, s.namespacedKey(collection, id))
	return errors.Wrapf(err, "datastore delete %s/%s", collection, id)
}

func (s *DocumentStore) List(ctx context.Context, collection string, filters ...ap.Filter) ([]*ap.Record, error) {
	query := datastore.NewQuery(collection)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	for _, f := range filters {
		v, _, err := toDatastoreValue(f.Value)
		if err != nil {
			return nil, err
		}
		query = query.FilterField(f.Field, "=", v)
	}

	var out []*ap.Record
	it := s.client.Run(ctx, query)
	for {
		var props datastore.PropertyList
		key, err := it.Next(&props)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "datastore query %s", collection)
		}
		out = append(out, &ap.Record{ID: key.Name, Fields: fromProperties(props)})
	}
	return out, nil
}

func toProperties(fields map[string]any) (datastore.PropertyList, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make(datastore.PropertyList, 0, len(fields))
	for _, name := range names {
		v, noIndex, err := toDatastoreValue(fields[name])
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", name)
		}
		props = append(props, datastore.Property{Name: name, Value: v, NoIndex: noIndex})
	}
	return props, nil
}

// toDatastoreValue maps a field onto a type Datastore can hold.  Anything
// without a native representation is stored as unindexed JSON.
func toDatastoreValue(v any) (any, bool, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, time.Time, []byte:
		return x, false, nil
	case string:
		return x, len(x) > maxIndexedStringLen, nil
	case *time.Time:
		if x == nil {
			return nil, false, nil
		}
		return *x, false, nil
	case int:
		return int64(x), false, nil
	case int32:
		return int64(x), false, nil
	case uint32:
		return int64(x), false, nil
	case float32:
		return float64(x), false, nil
	case ap.Role:
		return string(x), false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	return string(b), true, nil
}

func fromProperties(props datastore.PropertyList) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		out[p.Name] = p.Value
	}
	return out
}
