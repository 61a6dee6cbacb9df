package aptitude

import (
	"time"
)

// Role is the application level role carried by a Profile
type Role string

const (
	RoleNone    Role = ""
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// IsValid reports whether the role is one a profile may hold
func (r Role) IsValid() bool {
	switch r {
	case RoleStudent, RoleAdmin:
		return true
	default:
		return false
	}
}

// Collection names used in the document store
const (
	ProfilesCollection = "profiles"
	AttemptsCollection = "testAttempts"
)

// Profile record field names
const (
	FieldUID         = "uid"
	FieldEmail       = "email"
	FieldDisplayName = "displayName"
	FieldRole        = "role"
	FieldPhotoURL    = "photoURL"
	FieldCreatedAt   = "createdAt"
	FieldLastLogin   = "lastLogin"
)

// Identity is the auth provider's handle for "someone is authenticated".
// It is owned by the SessionStore; the Core only reads it.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Provider    string `json:"provider,omitempty"` // "password", "google"
}

// FederatedProfile is what a federated provider asserts about the user after a
// successful flow.  It carries facts only; mapping to an Identity is up to the SessionStore.
type FederatedProfile struct {
	Provider string
	Subject  string
	Email    string
	Name     string
	Picture  string
}

// Profile is the application level record kept for every identity
type Profile struct {
	ID          string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	PhotoURL    string    `json:"photoURL,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLogin   time.Time `json:"lastLogin"`
}

// Record converts the profile into the field map written to the document store.
// PhotoURL is only written when present.
func (p *Profile) Record() map[string]any {
	out := map[string]any{
		FieldUID:         p.ID,
		FieldEmail:       p.Email,
		FieldDisplayName: p.DisplayName,
		FieldRole:        string(p.Role),
		FieldCreatedAt:   p.CreatedAt,
		FieldLastLogin:   p.LastLogin,
	}
	if p.PhotoURL != "" {
		out[FieldPhotoURL] = p.PhotoURL
	}
	return out
}

// ProfileFromRecord decodes a stored profile record.  The record id wins over
// any uid field so a profile id always equals the key it is stored under.
func ProfileFromRecord(rec *Record) *Profile {
	if rec == nil {
		return nil
	}
	f := rec.Fields
	return &Profile{
		ID:          rec.ID,
		Email:       StringField(f, FieldEmail),
		DisplayName: StringField(f, FieldDisplayName),
		Role:        Role(StringField(f, FieldRole)),
		PhotoURL:    StringField(f, FieldPhotoURL),
		CreatedAt:   TimeField(f, FieldCreatedAt),
		LastLogin:   TimeField(f, FieldLastLogin),
	}
}

// Readiness tracks whether the first identity resolution pass has completed
type Readiness int

const (
	Loading Readiness = iota
	Ready
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "loading"
}

// SessionState is the (identity, profile, readiness) triple published by the Core.
// While Readiness is Loading, Identity and Profile are indeterminate.
type SessionState struct {
	Identity  *Identity
	Profile   *Profile
	Readiness Readiness
}

// IsReady reports whether at least one resolution pass has completed
func (s SessionState) IsReady() bool { return s.Readiness == Ready }

// StringField returns a string field or "" when missing or of another type
func StringField(fields map[string]any, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}

// TimeField reads a timestamp that may have been stored natively or as an RFC3339 string
func TimeField(fields map[string]any, name string) time.Time {
	switch v := fields[name].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// NumberField reads a numeric field regardless of the integer/float width the
// backend decoded it into.
func NumberField(fields map[string]any, name string) (float64, bool) {
	switch v := fields[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
