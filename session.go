package aptitude

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultFederatedName is the display name given to federated users whose
// provider did not assert one.
const DefaultFederatedName = "Google User"

// ErrCoreClosed is returned by Await once the Core has been closed
var ErrCoreClosed = errors.New("session core closed")

// Core maps identities from a SessionStore onto Profiles in a DocumentStore and
// publishes the combined SessionState.
//
// All state changes happen on a single event loop goroutine.  Identity change
// notifications are numbered; a profile fetch started for an older notification
// is dropped when it completes, so the latest notification always wins
// regardless of the order in which fetches finish.
type Core struct {
	sessions     SessionStore
	profiles     DocumentStore
	logger       *slog.Logger
	now          func() time.Time
	fallbackName string

	mu      sync.RWMutex
	state   SessionState
	subs    map[int]chan SessionState
	nextSub int

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan any
	done      chan struct{}
	ready     chan struct{}
	closeOnce sync.Once

	// guards the SessionStore subscription; held while subscribing, so never
	// taken by the loop goroutine
	subMu       sync.Mutex
	started     bool
	closed      bool
	unsubscribe func()

	// owned by the loop goroutine
	pass        uint64
	localWrites uint64
}

// CoreOption configures a Core
type CoreOption func(*Core)

// WithLogger sets the logger used for swallowed errors and lifecycle events
func WithLogger(logger *slog.Logger) CoreOption {
	return func(c *Core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now for profile timestamps
func WithClock(now func() time.Time) CoreOption {
	return func(c *Core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithFederatedFallbackName sets the display name used when a federated identity has none
func WithFederatedFallbackName(name string) CoreOption {
	return func(c *Core) {
		if name != "" {
			c.fallbackName = name
		}
	}
}

// events handled by the loop
type (
	identityChanged struct {
		identity *Identity
	}

	profileResolved struct {
		seq      uint64
		writes   uint64
		identity *Identity
		profile  *Profile
		err      error
	}

	// a nil profile clears the profile (logout).  identity, when set, replaces
	// the published identity with the same id.
	profileWrite struct {
		identity *Identity
		profile  *Profile
		ack      chan struct{}
	}
)

// NewCore creates a Core in the Loading state.  Call Start to subscribe to the
// SessionStore and Close to release it.
func NewCore(sessions SessionStore, profiles DocumentStore, opts ...CoreOption) *Core {
	c := &Core{
		sessions:     sessions,
		profiles:     profiles,
		logger:       slog.Default(),
		now:          time.Now,
		fallbackName: DefaultFederatedName,
		state:        SessionState{Readiness: Loading},
		subs:         make(map[int]chan SessionState),
		events:       make(chan any, 16),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c
}

// Start subscribes to identity changes.  The SessionStore replays the current
// identity on subscription which drives the first resolution pass.
func (c *Core) Start() *Core {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.started || c.closed {
		return c
	}
	c.started = true
	c.unsubscribe = c.sessions.SubscribeIdentityChanges(func(identity *Identity) {
		c.post(identityChanged{identity: cloneIdentity(identity)})
	})
	return c
}

// Close stops the event loop, unsubscribes from the SessionStore and closes all
// subscriber channels.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.subMu.Lock()
		c.closed = true
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		c.subMu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		close(c.done)
		c.cancel()
		c.mu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	})
}

// CurrentState returns a snapshot of the session state
func (c *Core) CurrentState() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready is closed once the first resolution pass has completed
func (c *Core) Ready() <-chan struct{} {
	return c.ready
}

// Subscribe returns a channel that always holds the most recent state.  The
// current state is delivered immediately.  A slow reader may miss intermediate
// states but never the latest one.
func (c *Core) Subscribe() (<-chan SessionState, func()) {
	ch := make(chan SessionState, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Await blocks until the state satisfies pred, the context ends or the Core closes
func (c *Core) Await(ctx context.Context, pred func(SessionState) bool) (SessionState, error) {
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return c.CurrentState(), ErrCoreClosed
			}
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return c.CurrentState(), ctx.Err()
		}
	}
}

// Register creates an identity and its profile.  The profile is published
// right away; the identity follows through the provider's change notification.
//
// Identity and profile creation are two independent writes.  If the profile
// write fails the identity exists without a profile; resolution then reports
// (identity, absent) until a profile appears.
func (c *Core) Register(ctx context.Context, email, password, displayName string, role Role) (*Profile, error) {
	if !role.IsValid() {
		return nil, ErrInvalidRole
	}
	identity, err := c.sessions.CreateIdentityWithPassword(ctx, email, password)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if err := c.sessions.SetDisplayName(ctx, identity, displayName); err != nil {
		return nil, classifyProviderError(err)
	}

	now := c.now()
	profile := &Profile{
		ID:          identity.ID,
		Email:       identity.Email,
		DisplayName: displayName,
		Role:        role,
		PhotoURL:    identity.AvatarURL,
		CreatedAt:   now,
		LastLogin:   now,
	}
	if err := c.profiles.Set(ctx, ProfilesCollection, profile.ID, profile.Record(), Overwrite); err != nil {
		c.logger.Error("error creating profile", "uid", identity.ID, "error", err)
		return nil, classifyProviderError(err)
	}
	c.writeProfile(identity, profile)
	c.logger.Info("registered", "uid", identity.ID, "role", role)
	return profile, nil
}

// Login authenticates with email and password and merges a fresh lastLogin
// into the existing profile.  No other profile field is written.
func (c *Core) Login(ctx context.Context, email, password string) error {
	identity, err := c.sessions.AuthenticateWithPassword(ctx, email, password)
	if err != nil {
		return classifyProviderError(err)
	}
	if err := c.touchLastLogin(ctx, identity.ID); err != nil {
		return err
	}
	c.logger.Info("logged in", "uid", identity.ID)
	return nil
}

// LoginWithFederatedIdentity signs in through the SessionStore's federated flow.
// A first time user gets a student profile built from what the provider
// asserted; a returning user only has lastLogin merged.
func (c *Core) LoginWithFederatedIdentity(ctx context.Context) (*Profile, error) {
	identity, err := c.sessions.AuthenticateFederated(ctx)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	rec, err := c.profiles.Get(ctx, ProfilesCollection, identity.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classifyProviderError(err)
	}
	if err == nil {
		if err := c.touchLastLogin(ctx, identity.ID); err != nil {
			return nil, err
		}
		profile := ProfileFromRecord(rec)
		profile.LastLogin = c.now()
		c.logger.Info("logged in", "uid", identity.ID, "provider", identity.Provider)
		return profile, nil
	}

	name := identity.DisplayName
	if name == "" {
		name = c.fallbackName
	}
	now := c.now()
	profile := &Profile{
		ID:          identity.ID,
		Email:       identity.Email,
		DisplayName: name,
		Role:        RoleStudent,
		PhotoURL:    identity.AvatarURL,
		CreatedAt:   now,
		LastLogin:   now,
	}
	if err := c.profiles.Set(ctx, ProfilesCollection, profile.ID, profile.Record(), Overwrite); err != nil {
		c.logger.Error("error creating profile", "uid", identity.ID, "error", err)
		return nil, classifyProviderError(err)
	}
	c.writeProfile(identity, profile)
	c.logger.Info("provisioned federated user", "uid", identity.ID, "provider", identity.Provider)
	return profile, nil
}

// Logout clears the profile before asking the provider to sign out, so guards
// react without waiting for the provider.  Provider errors are logged only.
func (c *Core) Logout(ctx context.Context) {
	c.writeProfile(nil, nil)
	if err := c.sessions.InvalidateCurrentIdentity(ctx); err != nil {
		c.logger.Warn("error invalidating identity", "error", err)
	}
}

func (c *Core) touchLastLogin(ctx context.Context, uid string) error {
	err := c.profiles.Update(ctx, ProfilesCollection, uid, map[string]any{FieldLastLogin: c.now()})
	if errors.Is(err, ErrNotFound) {
		// identity without a profile: nothing to merge into, resolution reports it as absent
		c.logger.Warn("no profile to update on login", "uid", uid)
		return nil
	}
	if err != nil {
		c.logger.Error("error updating last login", "uid", uid, "error", err)
		return classifyProviderError(err)
	}
	return nil
}

func (c *Core) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// writeProfile hands a profile to the loop and waits until it is published
func (c *Core) writeProfile(identity *Identity, p *Profile) {
	ack := make(chan struct{})
	if !c.post(profileWrite{identity: cloneIdentity(identity), profile: p, ack: ack}) {
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

func (c *Core) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Core) handle(ev any) {
	switch ev := ev.(type) {
	case identityChanged:
		c.pass++
		if ev.identity == nil {
			c.publish(nil, nil, true)
			return
		}
		go c.resolve(c.pass, c.localWrites, ev.identity)

	case profileResolved:
		if ev.seq != c.pass {
			c.logger.Debug("dropping superseded resolution", "uid", ev.identity.ID, "seq", ev.seq, "latest", c.pass)
			return
		}
		profile := ev.profile
		if ev.err != nil {
			c.logger.Error("error fetching profile", "uid", ev.identity.ID, "error", ev.err)
		}
		if profile == nil && ev.writes != c.localWrites {
			// a profile written locally while this pass was in flight is newer than the fetch
			if cur := c.CurrentState().Profile; cur != nil && cur.ID == ev.identity.ID {
				profile = cur
			}
		}
		c.publish(ev.identity, profile, true)

	case profileWrite:
		c.localWrites++
		if ev.profile == nil {
			c.pass++
		}
		identity := c.CurrentState().Identity
		if identity != nil && ev.identity != nil && identity.ID == ev.identity.ID {
			identity = ev.identity
		}
		c.publish(identity, ev.profile, false)
		close(ev.ack)
	}
}

func (c *Core) resolve(seq, writes uint64, identity *Identity) {
	ev := profileResolved{seq: seq, writes: writes, identity: identity}
	rec, err := c.profiles.Get(c.ctx, ProfilesCollection, identity.ID)
	switch {
	case err == nil:
		ev.profile = ProfileFromRecord(rec)
	case errors.Is(err, ErrNotFound):
	default:
		ev.err = ErrProfileFetchFailed.Wrap(err)
	}
	c.post(ev)
}

// publish replaces the state and notifies subscribers.  markReady moves
// Loading to Ready; nothing moves Ready back.
func (c *Core) publish(identity *Identity, profile *Profile, markReady bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasReady := c.state.Readiness == Ready
	next := SessionState{Identity: identity, Profile: profile, Readiness: c.state.Readiness}
	if markReady {
		next.Readiness = Ready
	}
	c.state = next
	if !wasReady && next.Readiness == Ready {
		close(c.ready)
	}
	for _, ch := range c.subs {
		offerLatest(ch, next)
	}
}

func offerLatest(ch chan SessionState, s SessionState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneIdentity(id *Identity) *Identity {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}
