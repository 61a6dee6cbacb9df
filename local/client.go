package local

import (
	"context"
	"sync"

	ap "github.com/panyam/aptitude"
)

// Client is one browser's session with the provider.  It implements
// ap.SessionStore and reports identity changes synchronously, in order.
type Client struct {
	accounts *Accounts
	origin   string

	mu      sync.Mutex
	current *ap.Identity
	token   string
	subs    map[int]func(*ap.Identity)
	nextSub int

	// held while subscribers are being called so notifications never interleave
	dispatch sync.Mutex
}

// NewClient creates a client for the given origin.  A valid idToken from an
// earlier session restores its identity; an invalid one is ignored.
func (a *Accounts) NewClient(ctx context.Context, origin, idToken string) *Client {
	c := &Client{
		accounts: a,
		origin:   origin,
		subs:     make(map[int]func(*ap.Identity)),
	}
	if idToken != "" {
		identity, err := a.VerifyToken(ctx, idToken)
		if err != nil {
			a.Logger.Debug("discarding identity token", "error", err)
		} else {
			c.current = identity
			c.token = idToken
		}
	}
	return c
}

// Current returns the signed in identity or nil
func (c *Client) Current() *ap.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := *c.current
	return &out
}

// IDToken returns the token of the signed in identity, "" when signed out
func (c *Client) IDToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) checkOrigin() error {
	if !c.accounts.DomainAllowed(c.origin) {
		return ap.ErrDomainNotAuthorized
	}
	return nil
}

func (c *Client) AuthenticateWithPassword(ctx context.Context, email, password string) (*ap.Identity, error) {
	if err := c.checkOrigin(); err != nil {
		return nil, err
	}
	identity, err := c.accounts.AuthenticatePassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return identity, c.signIn(identity)
}

func (c *Client) CreateIdentityWithPassword(ctx context.Context, email, password string) (*ap.Identity, error) {
	if err := c.checkOrigin(); err != nil {
		return nil, err
	}
	identity, err := c.accounts.CreatePasswordIdentity(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return identity, c.signIn(identity)
}

// SetDisplayName updates the stored name.  Renaming the signed in identity
// notifies subscribers like any other identity change.
func (c *Client) SetDisplayName(ctx context.Context, identity *ap.Identity, name string) error {
	if err := c.accounts.SetDisplayName(ctx, identity.ID, name); err != nil {
		return err
	}
	identity.DisplayName = name

	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	if c.current == nil || c.current.ID != identity.ID {
		c.mu.Unlock()
		return nil
	}
	c.current.DisplayName = name
	updated, subs := cloneIdentity(c.current), c.subscribers()
	c.mu.Unlock()
	notify(subs, updated)
	return nil
}

func (c *Client) AuthenticateFederated(ctx context.Context) (*ap.Identity, error) {
	if err := c.checkOrigin(); err != nil {
		return nil, err
	}
	identity, err := c.accounts.AuthenticateFederated(ctx)
	if err != nil {
		return nil, err
	}
	return identity, c.signIn(identity)
}

func (c *Client) InvalidateCurrentIdentity(ctx context.Context) error {
	c.setCurrent(nil, "")
	return nil
}

// SubscribeIdentityChanges calls fn with the current identity now and after every change
func (c *Client) SubscribeIdentityChanges(fn func(*ap.Identity)) func() {
	c.dispatch.Lock()
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	current := cloneIdentity(c.current)
	c.mu.Unlock()
	fn(current)
	c.dispatch.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Client) signIn(identity *ap.Identity) error {
	token, err := c.accounts.IssueToken(identity)
	if err != nil {
		return err
	}
	c.setCurrent(identity, token)
	return nil
}

func (c *Client) setCurrent(identity *ap.Identity, token string) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	c.current = cloneIdentity(identity)
	c.token = token
	subs := c.subscribers()
	c.mu.Unlock()
	notify(subs, identity)
}

// subscribers must be called with c.mu held
func (c *Client) subscribers() []func(*ap.Identity) {
	subs := make([]func(*ap.Identity), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(*ap.Identity), identity *ap.Identity) {
	for _, fn := range subs {
		fn(cloneIdentity(identity))
	}
}

func cloneIdentity(id *ap.Identity) *ap.Identity {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}
