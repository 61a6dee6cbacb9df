package aptitude

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

// ErrNotFound is returned by DocumentStore implementations when a record does not exist
var ErrNotFound = errors.New("record not found")

// WriteMode selects how Set treats an existing record
type WriteMode int

const (
	// Overwrite replaces the whole record
	Overwrite WriteMode = iota

	// Merge writes only the given fields and leaves the rest of the record untouched.
	// The record is created if it does not exist.
	Merge
)

// Record is a document read from a DocumentStore
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Filter is an equality predicate on a single field
type Filter struct {
	Field string
	Value any
}

// Where builds an equality filter
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// DocumentStore is a generic document database keyed by (collection, id).
// Profiles, test attempts and the local provider's credentials all live in one.
type DocumentStore interface {
	// Get returns the record or ErrNotFound
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Set writes a record with the given id, either replacing it or merging into it
	Set(ctx context.Context, collection, id string, fields map[string]any, mode WriteMode) error

	// Create writes a new record under a store generated id and returns that id
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)

	// List returns all records in a collection matching every filter
	List(ctx context.Context, collection string, filters ...Filter) ([]*Record, error)

	// Update merges fields into an existing record, returning ErrNotFound if it does not exist
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a record.  Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error
}

// SessionStore is the auth provider as seen by one client.  It owns the current
// identity and tells subscribers whenever it changes.
type SessionStore interface {
	// AuthenticateWithPassword signs in an existing identity
	AuthenticateWithPassword(ctx context.Context, email, password string) (*Identity, error)

	// CreateIdentityWithPassword registers and signs in a new identity
	CreateIdentityWithPassword(ctx context.Context, email, password string) (*Identity, error)

	// SetDisplayName updates the display name kept by the provider
	SetDisplayName(ctx context.Context, identity *Identity, name string) error

	// AuthenticateFederated signs in through a federated flow
	AuthenticateFederated(ctx context.Context) (*Identity, error)

	// InvalidateCurrentIdentity signs the current identity out
	InvalidateCurrentIdentity(ctx context.Context) error

	// SubscribeIdentityChanges registers fn to be called with the current identity
	// (nil when signed out) right away and after every change, in order.
	SubscribeIdentityChanges(fn func(*Identity)) (unsubscribe func())
}

// FederatedAuthenticator runs a federated flow (eg Google OAuth2) and returns
// what the provider asserted about the user.
type FederatedAuthenticator interface {
	Authenticate(ctx context.Context) (*FederatedProfile, error)
}

// MatchesFilters reports whether fields satisfy every filter.  Values are
// compared after JSON normalization so an int64 written by one backend matches
// a float64 read back by another.
func MatchesFilters(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !ValuesEqual(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two field values loosely, see MatchesFilters
func ValuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// MergeFields returns a copy of base with every field of update applied on top
func MergeFields(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
