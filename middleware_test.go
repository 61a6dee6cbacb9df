package aptitude_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ap "github.com/panyam/aptitude"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardFor(state ap.SessionState) *ap.GuardMiddleware {
	return &ap.GuardMiddleware{
		State: func(r *http.Request) ap.SessionState { return state },
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	s, ok := ap.SessionStateFromContext(r.Context())
	if !ok || s.Profile == nil {
		fmt.Fprint(w, "rendered")
		return
	}
	fmt.Fprintf(w, "rendered for %s", s.Profile.Role)
})

func TestRequireRoleRenders(t *testing.T) {
	g := guardFor(stateWith(true, ap.RoleAdmin, true))
	w := httptest.NewRecorder()
	g.RequireRole(ap.RoleAdmin)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/admin/students", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rendered for admin", w.Body.String())
}

func TestRequireRoleRedirectsToLoginWithCallback(t *testing.T) {
	g := guardFor(stateWith(false, "", true))
	w := httptest.NewRecorder()
	g.RequireRole(ap.RoleStudent)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/student/progress", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?callbackURL=%2Fstudent%2Fprogress", w.Header().Get("Location"))
}

func TestRequireRoleMismatchRedirectsToRoot(t *testing.T) {
	g := guardFor(stateWith(true, ap.RoleStudent, true))
	w := httptest.NewRecorder()
	g.RequireRole(ap.RoleAdmin)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/admin/students", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestRequireRoleWhileLoading(t *testing.T) {
	g := guardFor(stateWith(false, "", false))
	w := httptest.NewRecorder()
	g.RequireRole(ap.RoleStudent)(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/student/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRootMiddleware(t *testing.T) {
	landing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "landing") })

	tests := []struct {
		name     string
		state    ap.SessionState
		code     int
		location string
		body     string
	}{
		{"signed out", stateWith(false, "", true), http.StatusOK, "", "landing"},
		{"student", stateWith(true, ap.RoleStudent, true), http.StatusFound, "/student", ""},
		{"admin", stateWith(true, ap.RoleAdmin, true), http.StatusFound, "/admin", ""},
		{"setting up", stateWith(true, "", true), http.StatusOK, "", ap.SettingUpMessage},
		{"loading", stateWith(true, "", false), http.StatusServiceUnavailable, "", "Loading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			guardFor(tt.state).Root(landing).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			require.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.location, w.Header().Get("Location"))
			assert.True(t, strings.Contains(w.Body.String(), tt.body), "body %q", w.Body.String())
		})
	}
}
