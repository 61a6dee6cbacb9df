// Package grpc applies the aptitude route guard to gRPC services.  A trusted
// front-end forwards the signed in identity id as call metadata; the
// interceptors resolve it to a session state and gate each method by role.
package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/metadata"

	ap "github.com/panyam/aptitude"
)

// DefaultMetadataKeyUserID is the default gRPC metadata key for the identity id
const DefaultMetadataKeyUserID = "x-user-id"

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeyUserID is the gRPC metadata key for the identity id.
	// Defaults to "x-user-id".
	MetadataKeyUserID string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyUserID: DefaultMetadataKeyUserID}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

// UserIDFromContext extracts the identity id from incoming metadata, "" if absent
func UserIDFromContext(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(config.MetadataKeyUserID); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UserIDToOutgoingContext forwards an identity id on an outgoing call
func UserIDToOutgoingContext(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyUserID, userID)
}

// StoreResolver resolves the forwarded identity id against the profile store.
// The state is always Ready: a call carries everything the server will learn
// about its caller.
func StoreResolver(profiles ap.DocumentStore, config *Config) func(ctx context.Context) (ap.SessionState, error) {
	return func(ctx context.Context) (ap.SessionState, error) {
		state := ap.SessionState{Readiness: ap.Ready}
		uid := UserIDFromContext(ctx, config)
		if uid == "" {
			return state, nil
		}
		state.Identity = &ap.Identity{ID: uid}
		rec, err := profiles.Get(ctx, ap.ProfilesCollection, uid)
		if errors.Is(err, ap.ErrNotFound) {
			return state, nil
		}
		if err != nil {
			return state, err
		}
		state.Profile = ap.ProfileFromRecord(rec)
		state.Identity.Email = state.Profile.Email
		state.Identity.DisplayName = state.Profile.DisplayName
		return state, nil
	}
}
