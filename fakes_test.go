package aptitude_test

import (
	"context"
	"fmt"
	"sync"

	ap "github.com/panyam/aptitude"
)

// fakeSessions is an in-memory SessionStore that notifies synchronously,
// the way a real provider reports its own sign in and sign out.
type fakeSessions struct {
	mu        sync.Mutex
	current   *ap.Identity
	subs      map[int]func(*ap.Identity)
	nextSub   int
	nextID    int
	accounts  map[string]*fakeAccount
	federated *ap.Identity

	// called at the start of InvalidateCurrentIdentity
	onInvalidate     func()
	onSetDisplayName func()
	invalidErr       error
	calls            []string
}

type fakeAccount struct {
	password string
	identity *ap.Identity
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		subs:     map[int]func(*ap.Identity){},
		accounts: map[string]*fakeAccount{},
	}
}

func (f *fakeSessions) addAccount(id, email, password string) *ap.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity := &ap.Identity{ID: id, Email: email, Provider: "password"}
	f.accounts[email] = &fakeAccount{password: password, identity: identity}
	return identity
}

func (f *fakeSessions) AuthenticateWithPassword(ctx context.Context, email, password string) (*ap.Identity, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "authenticate")
	acct, ok := f.accounts[email]
	f.mu.Unlock()
	if !ok || acct.password != password {
		return nil, ap.ErrInvalidCredential
	}
	f.emit(acct.identity)
	return acct.identity, nil
}

func (f *fakeSessions) CreateIdentityWithPassword(ctx context.Context, email, password string) (*ap.Identity, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "create")
	if _, ok := f.accounts[email]; ok {
		f.mu.Unlock()
		return nil, ap.ErrDuplicateIdentity
	}
	if len(password) < 6 {
		f.mu.Unlock()
		return nil, ap.ErrInvalidCredential.WithField("password")
	}
	f.nextID++
	identity := &ap.Identity{ID: fmt.Sprintf("uid-%d", f.nextID), Email: email, Provider: "password"}
	f.accounts[email] = &fakeAccount{password: password, identity: identity}
	f.mu.Unlock()
	f.emit(identity)
	return identity, nil
}

func (f *fakeSessions) SetDisplayName(ctx context.Context, identity *ap.Identity, name string) error {
	if f.onSetDisplayName != nil {
		f.onSetDisplayName()
	}
	f.mu.Lock()
	f.calls = append(f.calls, "set_display_name")
	identity.DisplayName = name
	renamed := f.current != nil && f.current.ID == identity.ID
	f.mu.Unlock()
	if renamed {
		f.emit(identity)
	}
	return nil
}

func (f *fakeSessions) AuthenticateFederated(ctx context.Context) (*ap.Identity, error) {
	f.mu.Lock()
	identity := f.federated
	f.mu.Unlock()
	if identity == nil {
		return nil, ap.ErrUnknownProvider
	}
	f.emit(identity)
	return identity, nil
}

func (f *fakeSessions) InvalidateCurrentIdentity(ctx context.Context) error {
	if f.onInvalidate != nil {
		f.onInvalidate()
	}
	if f.invalidErr != nil {
		return f.invalidErr
	}
	f.emit(nil)
	return nil
}

func (f *fakeSessions) SubscribeIdentityChanges(fn func(*ap.Identity)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	current := f.current
	f.mu.Unlock()
	fn(current)
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// emit changes the current identity and notifies subscribers in order
func (f *fakeSessions) emit(identity *ap.Identity) {
	f.mu.Lock()
	f.current = identity
	subs := make([]func(*ap.Identity), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(identity)
	}
}

// memStore is an in-memory DocumentStore.  Get reads its result first and only
// then runs the hook, so a blocked Get behaves like a response that arrives late.
type memStore struct {
	mu      sync.Mutex
	data    map[string]map[string]map[string]any
	nextID  int
	getHook func(collection, id string)
	getErr  error
	setErr  error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]map[string]map[string]any{}}
}

func (m *memStore) put(collection, id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = map[string]map[string]any{}
	}
	m.data[collection][id] = ap.MergeFields(nil, fields)
}

func (m *memStore) fields(collection, id string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[collection][id]
}

func (m *memStore) Get(ctx context.Context, collection, id string) (*ap.Record, error) {
	m.mu.Lock()
	fields, ok := m.data[collection][id]
	var rec *ap.Record
	if ok {
		rec = &ap.Record{ID: id, Fields: ap.MergeFields(nil, fields)}
	}
	hook, getErr := m.getHook, m.getErr
	m.mu.Unlock()
	if hook != nil {
		hook(collection, id)
	}
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, ap.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Set(ctx context.Context, collection, id string, fields map[string]any, mode ap.WriteMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if m.data[collection] == nil {
		m.data[collection] = map[string]map[string]any{}
	}
	if mode == ap.Merge {
		m.data[collection][id] = ap.MergeFields(m.data[collection][id], fields)
	} else {
		m.data[collection][id] = ap.MergeFields(nil, fields)
	}
	return nil
}

func (m *memStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("rec-%d", m.nextID)
	m.mu.Unlock()
	return id, m.Set(ctx, collection, id, fields, ap.Overwrite)
}

func (m *memStore) List(ctx context.Context, collection string, filters ...ap.Filter) ([]*ap.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ap.Record
	for id, fields := range m.data[collection] {
		if ap.MatchesFilters(fields, filters) {
			out = append(out, &ap.Record{ID: id, Fields: ap.MergeFields(nil, fields)})
		}
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	existing, ok := m.data[collection][id]
	if !ok {
		return ap.ErrNotFound
	}
	m.data[collection][id] = ap.MergeFields(existing, fields)
	return nil
}

func (m *memStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}
