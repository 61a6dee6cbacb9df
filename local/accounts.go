// Package local is a self-hosted identity provider.  Accounts holds the
// credentials of every user in a DocumentStore; a Client is one browser's view
// of it and implements aptitude.SessionStore.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	ap "github.com/panyam/aptitude"
)

// Collections owned by the provider
const (
	CredentialsCollection = "credentials" // keyed by normalized email
	IdentitiesCollection  = "identities"  // keyed by identity id
	FederatedCollection   = "federated"   // keyed by provider:subject
)

const (
	ProviderPassword  = "password"
	MinPasswordLength = 6
	DefaultTokenTTL   = 7 * 24 * time.Hour
	tokenType         = "id"
)

// Accounts is the provider's shared state
type Accounts struct {
	Store ap.DocumentStore

	// SigningKey signs identity tokens (HS256)
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration

	// AllowedDomains limits the origins clients may authenticate from.  A domain
	// also admits its subdomains.  Empty allows every origin.
	AllowedDomains []string

	// Federated runs the federated flow, nil disables it
	Federated ap.FederatedAuthenticator

	Logger *slog.Logger
	Now    func() time.Time

	validate *validator.Validate
	// email uniqueness is checked and claimed under this lock
	createMu sync.Mutex
}

type passwordCredentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

func NewAccounts(store ap.DocumentStore, signingKey []byte) *Accounts {
	a := &Accounts{Store: store, SigningKey: signingKey}
	a.EnsureDefaults()
	return a
}

// EnsureDefaults fills in unset fields
func (a *Accounts) EnsureDefaults() {
	if a.TokenTTL == 0 {
		a.TokenTTL = DefaultTokenTTL
	}
	if a.Issuer == "" {
		a.Issuer = "aptitude"
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Now == nil {
		a.Now = time.Now
	}
	if a.validate == nil {
		a.validate = validator.New()
	}
}

// DomainAllowed reports whether an origin (a URL or bare host) may authenticate
func (a *Accounts) DomainAllowed(origin string) bool {
	if len(a.AllowedDomains) == 0 {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.ToLower(host)
	for _, d := range a.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *Accounts) validateCredentials(email, password string) error {
	err := a.validate.Struct(passwordCredentials{Email: email, Password: password})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Email":
			return ap.NewAuthError(ap.ErrCodeInvalidCredential, "A valid email address is required", "email")
		case "Password":
			return ap.NewAuthError(ap.ErrCodeInvalidCredential,
				fmt.Sprintf("Password must be at least %d characters", MinPasswordLength), "password")
		}
	}
	return ap.ErrInvalidCredential.Wrap(err)
}

// CreatePasswordIdentity registers a new email/password identity
func (a *Accounts) CreatePasswordIdentity(ctx context.Context, email, password string) (*ap.Identity, error) {
	email = normalizeEmail(email)
	if err := a.validateCredentials(email, password); err != nil {
		return nil, err
	}

	a.createMu.Lock()
	defer a.createMu.Unlock()

	_, err := a.Store.Get(ctx, CredentialsCollection, email)
	if err == nil {
		return nil, ap.ErrDuplicateIdentity.WithField("email")
	}
	if !errors.Is(err, ap.ErrNotFound) {
		return nil, fmt.Errorf("checking credentials: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &ap.Identity{ID: uuid.NewString(), Email: email, Provider: ProviderPassword}
	if err := a.saveIdentity(ctx, identity); err != nil {
		return nil, err
	}
	err = a.Store.Set(ctx, CredentialsCollection, email, map[string]any{
		"uid":           identity.ID,
		"password_hash": string(hash),
	}, ap.Overwrite)
	if err != nil {
		// the identity record is unreachable without its credentials
		if derr := a.Store.Delete(ctx, IdentitiesCollection, identity.ID); derr != nil {
			a.Logger.Error("failed to remove orphaned identity", "uid", identity.ID, "error", derr)
		}
		return nil, fmt.Errorf("saving credentials: %w", err)
	}
	a.Logger.Info("identity created", "uid", identity.ID, "provider", ProviderPassword)
	return identity, nil
}

// AuthenticatePassword checks an email/password pair
func (a *Accounts) AuthenticatePassword(ctx context.Context, email, password string) (*ap.Identity, error) {
	email = normalizeEmail(email)
	rec, err := a.Store.Get(ctx, CredentialsCollection, email)
	if errors.Is(err, ap.ErrNotFound) {
		return nil, ap.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	hash := ap.StringField(rec.Fields, "password_hash")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ap.ErrInvalidCredential
	}
	return a.LoadIdentity(ctx, ap.StringField(rec.Fields, "uid"))
}

// AuthenticateFederated runs the federated flow and maps the asserted subject
// onto an identity, creating one on first sight.
func (a *Accounts) AuthenticateFederated(ctx context.Context) (*ap.Identity, error) {
	if a.Federated == nil {
		return nil, ap.ErrUnknownProvider.Wrap(errors.New("no federated provider configured"))
	}
	fp, err := a.Federated.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if fp.Subject == "" {
		return nil, ap.ErrUnknownProvider.Wrap(errors.New("federated provider returned no subject"))
	}

	a.createMu.Lock()
	defer a.createMu.Unlock()

	key := fp.Provider + ":" + fp.Subject
	rec, err := a.Store.Get(ctx, FederatedCollection, key)
	if err == nil {
		return a.LoadIdentity(ctx, ap.StringField(rec.Fields, "uid"))
	}
	if !errors.Is(err, ap.ErrNotFound) {
		return nil, fmt.Errorf("loading federated link: %w", err)
	}

	identity := &ap.Identity{
		ID:          uuid.NewString(),
		Email:       normalizeEmail(fp.Email),
		DisplayName: fp.Name,
		AvatarURL:   fp.Picture,
		Provider:    fp.Provider,
	}
	if err := a.saveIdentity(ctx, identity); err != nil {
		return nil, err
	}
	if err := a.Store.Set(ctx, FederatedCollection, key, map[string]any{"uid": identity.ID}, ap.Overwrite); err != nil {
		return nil, fmt.Errorf("saving federated link: %w", err)
	}
	a.Logger.Info("identity created", "uid", identity.ID, "provider", fp.Provider)
	return identity, nil
}

// SetDisplayName updates the stored display name of an identity
func (a *Accounts) SetDisplayName(ctx context.Context, id, name string) error {
	err := a.Store.Update(ctx, IdentitiesCollection, id, map[string]any{"displayName": name})
	if err != nil {
		return fmt.Errorf("updating display name: %w", err)
	}
	return nil
}

func (a *Accounts) LoadIdentity(ctx context.Context, id string) (*ap.Identity, error) {
	if id == "" {
		return nil, ap.ErrInvalidCredential
	}
	rec, err := a.Store.Get(ctx, IdentitiesCollection, id)
	if errors.Is(err, ap.ErrNotFound) {
		return nil, ap.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return &ap.Identity{
		ID:          rec.ID,
		Email:       ap.StringField(rec.Fields, "email"),
		DisplayName: ap.StringField(rec.Fields, "displayName"),
		AvatarURL:   ap.StringField(rec.Fields, "avatarURL"),
		Provider:    ap.StringField(rec.Fields, "provider"),
	}, nil
}

func (a *Accounts) saveIdentity(ctx context.Context, identity *ap.Identity) error {
	fields := map[string]any{
		"email":       identity.Email,
		"displayName": identity.DisplayName,
		"provider":    identity.Provider,
		"createdAt":   a.Now(),
	}
	if identity.AvatarURL != "" {
		fields["avatarURL"] = identity.AvatarURL
	}
	if err := a.Store.Set(ctx, IdentitiesCollection, identity.ID, fields, ap.Overwrite); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	return nil
}

// IssueToken signs an identity token for the identity
func (a *Accounts) IssueToken(identity *ap.Identity) (string, error) {
	now := a.Now()
	claims := jwt.MapClaims{
		"sub":   identity.ID,
		"email": identity.Email,
		"type":  tokenType,
		"iss":   a.Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(a.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// VerifyToken validates an identity token and returns the identity it names
func (a *Accounts) VerifyToken(ctx context.Context, tokenString string) (*ap.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.SigningKey, nil
	}, jwt.WithIssuer(a.Issuer), jwt.WithTimeFunc(a.Now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if t, _ := claims["type"].(string); t != tokenType {
		return nil, fmt.Errorf("invalid token type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("missing subject")
	}
	return a.LoadIdentity(ctx, sub)
}
