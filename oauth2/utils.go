package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	StateCookieName       = "oauthstate"
	CallbackURLCookieName = "oauthCallbackURL"
)

type codeKey struct{}

// WithCode carries the authorization code received on the callback to Authenticate
func WithCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, codeKey{}, code)
}

// CodeFromContext returns the authorization code set by WithCode
func CodeFromContext(ctx context.Context) (string, bool) {
	code, ok := ctx.Value(codeKey{}).(string)
	return code, ok && code != ""
}

func generateStateOauthCookie(w http.ResponseWriter) string {
	var expiration = time.Now().Add(30 * time.Minute)
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("error generating oauth state", "error", err)
	}
	state := base64.URLEncoding.EncodeToString(b)
	cookie := http.Cookie{Name: StateCookieName, Value: state, Path: "/", Expires: expiration, HttpOnly: true, SameSite: http.SameSiteLaxMode}
	http.SetCookie(w, &cookie)
	return state
}

func OauthRedirector(oauthConfig *oauth2.Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		// remember where to send the user once the flow completes
		callbackURL := r.URL.Query().Get("callbackURL")
		if callbackURL != "" {
			http.SetCookie(w, &http.Cookie{
				Name:    CallbackURLCookieName,
				Value:   callbackURL,
				Path:    "/",
				Expires: time.Now().Add(24 * time.Hour),
				MaxAge:  120, // keep this short
			})
		}
		oauthState := generateStateOauthCookie(w)
		u := oauthConfig.AuthCodeURL(oauthState)
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// VerifyState checks the callback's state parameter against the state cookie
// and clears the cookie either way.
func VerifyState(w http.ResponseWriter, r *http.Request) error {
	oauthState, _ := r.Cookie(StateCookieName)
	http.SetCookie(w, &http.Cookie{Name: StateCookieName, Path: "/", MaxAge: -1})
	if oauthState == nil {
		return fmt.Errorf("oauth state cookie missing")
	}
	if r.FormValue("state") != oauthState.Value {
		return fmt.Errorf("invalid oauth state: %s", r.FormValue("state"))
	}
	return nil
}

// CallbackURL returns the path saved by the redirector, if any
func CallbackURL(r *http.Request) string {
	if c, err := r.Cookie(CallbackURLCookieName); err == nil {
		return c.Value
	}
	return ""
}
