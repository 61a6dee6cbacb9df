// Package web serves the aptitude pages and the admin roster API.
//
// Every browser gets its own session Core, found through a client id kept in
// the scs session.  The identity token issued by the provider is kept in the
// session as well, so a Core evicted for idleness (or lost in a restart) is
// rebuilt with the same signed in identity on the next request.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	ap "github.com/panyam/aptitude"
	"github.com/panyam/aptitude/local"
	"github.com/panyam/aptitude/oauth2"
)

// Session keys
const (
	ClientIDSessionVar = "clientID"
	TokenSessionVar    = "idToken"
)

const (
	DefaultReadyTimeout = 2 * time.Second
	DefaultIdleTimeout  = 30 * time.Minute
)

type browserSession struct {
	client   *local.Client
	core     *ap.Core
	lastSeen time.Time
}

type App struct {
	Accounts *local.Accounts
	Profiles ap.DocumentStore
	Roster   *ap.Roster
	Session  *scs.SessionManager

	// Google enables the /auth/google/ routes when set
	Google *oauth2.GoogleOAuth2

	// ReadyTimeout bounds how long a request waits for a fresh Core's first
	// resolution pass before the loading page is served.
	ReadyTimeout time.Duration

	// IdleTimeout is how long an unused Core is kept around
	IdleTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time

	guard   ap.GuardMiddleware
	router  *mux.Router
	mu      sync.Mutex
	clients map[string]*browserSession
}

// New creates an app over the provider accounts and the profile store
func New(accounts *local.Accounts, profiles ap.DocumentStore) *App {
	a := &App{Accounts: accounts, Profiles: profiles}
	a.EnsureDefaults()
	return a
}

// EnsureDefaults fills in unset fields
func (a *App) EnsureDefaults() *App {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Now == nil {
		a.Now = time.Now
	}
	if a.Session == nil {
		a.Session = scs.New()
	}
	if a.Roster == nil {
		a.Roster = ap.NewRoster(a.Profiles)
		a.Roster.Logger = a.Logger
	}
	if a.ReadyTimeout <= 0 {
		a.ReadyTimeout = DefaultReadyTimeout
	}
	if a.IdleTimeout <= 0 {
		a.IdleTimeout = DefaultIdleTimeout
	}
	if a.clients == nil {
		a.clients = make(map[string]*browserSession)
	}
	return a
}

// Handler returns the app's routes wrapped in session loading
func (a *App) Handler() http.Handler {
	a.setupRoutes()
	return a.Session.LoadAndSave(a.router)
}

func (a *App) setupRoutes() {
	if a.router != nil {
		return
	}
	a.EnsureDefaults()
	a.guard = ap.GuardMiddleware{State: a.stateFor, Logger: a.Logger}
	a.guard.EnsureReasonableDefaults()

	r := mux.NewRouter()
	r.Handle(ap.RootPath, a.guard.Root(http.HandlerFunc(a.landing))).Methods(http.MethodGet)
	r.HandleFunc(ap.LoginPath, a.loginPage).Methods(http.MethodGet)
	r.HandleFunc(ap.LoginPath, a.login).Methods(http.MethodPost)
	r.HandleFunc("/signup", a.signupPage).Methods(http.MethodGet)
	r.HandleFunc("/signup", a.signup).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.logout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/state", a.state).Methods(http.MethodGet)

	if a.Google != nil {
		r.Handle("/auth/google/", a.Google.Redirector()).Methods(http.MethodGet)
		r.HandleFunc("/auth/google/callback/", a.googleCallback).Methods(http.MethodGet)
	}

	student := a.guard.RequireRole(ap.RoleStudent)
	r.Handle(ap.StudentPath, student(http.HandlerFunc(a.studentHome))).Methods(http.MethodGet)
	r.Handle(ap.StudentPath+"/", student(http.HandlerFunc(a.studentHome))).Methods(http.MethodGet)
	r.Handle(ap.StudentPath+"/progress", student(http.HandlerFunc(a.studentProgress))).Methods(http.MethodGet)

	admin := r.PathPrefix(ap.AdminPath).Subrouter()
	admin.Use(mux.MiddlewareFunc(a.guard.RequireRole(ap.RoleAdmin)))
	admin.HandleFunc("", a.adminHome).Methods(http.MethodGet)
	admin.HandleFunc("/", a.adminHome).Methods(http.MethodGet)
	admin.HandleFunc("/students", a.listStudents).Methods(http.MethodGet)
	admin.HandleFunc("/students", a.createStudent).Methods(http.MethodPost)
	admin.HandleFunc("/students/{id}", a.updateStudent).Methods(http.MethodPatch)
	admin.HandleFunc("/students/{id}", a.deleteStudent).Methods(http.MethodDelete)
	admin.HandleFunc("/students/{id}/toggle", a.toggleStudent).Methods(http.MethodPost)

	a.router = r
}

// Run evicts idle sessions until ctx ends, then closes every Core
func (a *App) Run(ctx context.Context) {
	a.EnsureDefaults()
	ticker := time.NewTicker(a.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Close()
			return
		case <-ticker.C:
			if n := a.sweep(); n > 0 {
				a.Logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

// Close shuts down every live Core
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, bs := range a.clients {
		bs.core.Close()
		delete(a.clients, id)
	}
}

func (a *App) sweep() int {
	cutoff := a.Now().Add(-a.IdleTimeout)
	a.mu.Lock()
	defer a.mu.Unlock()
	evicted := 0
	for id, bs := range a.clients {
		if bs.lastSeen.Before(cutoff) {
			bs.core.Close()
			delete(a.clients, id)
			evicted++
		}
	}
	return evicted
}

// sessionFor returns the browser's session, creating its Core on first use.
// The identity restore and Core start run outside the registry lock; when two
// requests race to create the same session the first one stored wins.
func (a *App) sessionFor(r *http.Request) *browserSession {
	ctx := r.Context()
	id := a.Session.GetString(ctx, ClientIDSessionVar)
	if bs := a.lookup(id); bs != nil {
		return bs
	}
	if id == "" {
		id = uuid.NewString()
		a.Session.Put(ctx, ClientIDSessionVar, id)
	}

	client := a.Accounts.NewClient(ctx, originOf(r), a.Session.GetString(ctx, TokenSessionVar))
	core := ap.NewCore(client, a.Profiles, ap.WithLogger(a.Logger.With("client", id))).Start()
	fresh := &browserSession{client: client, core: core, lastSeen: a.Now()}

	a.mu.Lock()
	existing, ok := a.clients[id]
	if !ok {
		a.clients[id] = fresh
	} else {
		existing.lastSeen = a.Now()
	}
	a.mu.Unlock()

	if ok {
		core.Close()
		return existing
	}
	return fresh
}

func (a *App) lookup(id string) *browserSession {
	if id == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bs, ok := a.clients[id]
	if !ok {
		return nil
	}
	bs.lastSeen = a.Now()
	return bs
}

// stateFor waits briefly for the first resolution pass and returns the
// browser's state.  It may still be loading if the pass is slow.
func (a *App) stateFor(r *http.Request) ap.SessionState {
	bs := a.sessionFor(r)
	select {
	case <-bs.core.Ready():
	case <-r.Context().Done():
	case <-time.After(a.ReadyTimeout):
		a.Logger.Warn("session still loading", "path", r.URL.Path)
	}
	return bs.core.CurrentState()
}

// signedIn stores the new identity token and waits for the profile to be
// published so the redirect lands on the right home.
func (a *App) signedIn(w http.ResponseWriter, r *http.Request, bs *browserSession, callbackURL string) {
	ctx := r.Context()
	if err := a.Session.RenewToken(ctx); err != nil {
		a.Logger.Warn("error renewing session token", "error", err)
	}
	a.Session.Put(ctx, TokenSessionVar, bs.client.IDToken())

	if identity := bs.client.Current(); identity != nil {
		waitCtx, cancel := context.WithTimeout(ctx, a.ReadyTimeout)
		defer cancel()
		_, err := bs.core.Await(waitCtx, func(s ap.SessionState) bool {
			return s.Identity != nil && s.Identity.ID == identity.ID && s.Profile != nil
		})
		if err != nil {
			a.Logger.Debug("profile not published before redirect", "uid", identity.ID, "error", err)
		}
	}
	http.Redirect(w, r, safeRedirect(callbackURL), http.StatusFound)
}

func originOf(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// safeRedirect only follows local paths
func safeRedirect(target string) string {
	if len(target) == 0 || target[0] != '/' || (len(target) > 1 && (target[1] == '/' || target[1] == '\\')) {
		return ap.RootPath
	}
	return target
}
