package aptitude

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

type sessionStateKey struct{}

// GuardMiddleware applies Guard and RootDecision to HTTP requests
type GuardMiddleware struct {
	// State returns the session state of the client making the request
	State func(r *http.Request) SessionState

	// CallbackURLParam is the query parameter carrying the original path on login redirects
	CallbackURLParam string

	// LoadingPage is served while the state is loading.  Defaults to a 503 with Retry-After.
	LoadingPage http.Handler

	// SettingUpPage is served at the root for an identity without a profile
	SettingUpPage http.Handler

	Logger *slog.Logger
}

// EnsureReasonableDefaults fills in unset fields
func (g *GuardMiddleware) EnsureReasonableDefaults() {
	if g.CallbackURLParam == "" {
		g.CallbackURLParam = "callbackURL"
	}
	if g.LoadingPage == nil {
		g.LoadingPage = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Loading...", http.StatusServiceUnavailable)
		})
	}
	if g.SettingUpPage == nil {
		g.SettingUpPage = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Refresh", "2")
			fmt.Fprintf(w, "<html><body><p>%s</p></body></html>", SettingUpMessage)
		})
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
}

// RequireRole guards a handler.  RoleNone only requires a signed in identity.
func (g *GuardMiddleware) RequireRole(role Role) func(http.Handler) http.Handler {
	g.EnsureReasonableDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := g.State(r)
			d := Guard(role, state)
			switch d.Action {
			case ActionLoading:
				g.LoadingPage.ServeHTTP(w, r)
			case ActionRedirect:
				target := d.Target
				if target == LoginPath {
					encoded := strings.Replace(url.QueryEscape(r.URL.Path), "+", "%20", -1)
					target = fmt.Sprintf("%s?%s=%s", LoginPath, g.CallbackURLParam, encoded)
				}
				g.Logger.Debug("guard redirect", "path", r.URL.Path, "role", role, "target", target)
				http.Redirect(w, r, target, http.StatusFound)
			default:
				next.ServeHTTP(w, WithSessionState(r, state))
			}
		})
	}
}

// Root serves the root path: role homes get a redirect, signed out visitors the landing handler
func (g *GuardMiddleware) Root(landing http.Handler) http.Handler {
	g.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := g.State(r)
		d := RootDecision(state)
		switch d.Action {
		case ActionLoading:
			g.LoadingPage.ServeHTTP(w, r)
		case ActionRedirect:
			http.Redirect(w, r, d.Target, http.StatusFound)
		case ActionSettingUp:
			g.SettingUpPage.ServeHTTP(w, WithSessionState(r, state))
		default:
			landing.ServeHTTP(w, WithSessionState(r, state))
		}
	})
}

// WithSessionState makes the state available to downstream handlers
func WithSessionState(r *http.Request, s SessionState) *http.Request {
	return r.WithContext(ContextWithSessionState(r.Context(), s))
}

func ContextWithSessionState(ctx context.Context, s SessionState) context.Context {
	return context.WithValue(ctx, sessionStateKey{}, s)
}

// SessionStateFromContext returns the state stored by the guard, if any
func SessionStateFromContext(ctx context.Context) (SessionState, bool) {
	s, ok := ctx.Value(sessionStateKey{}).(SessionState)
	return s, ok
}
