package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oauth2lib "golang.org/x/oauth2"

	ap "github.com/panyam/aptitude"
	"github.com/panyam/aptitude/local"
	"github.com/panyam/aptitude/oauth2"
	"github.com/panyam/aptitude/stores/fs"
)

type testBrowser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func setupApp(t *testing.T, configure ...func(*App)) (*App, *httptest.Server) {
	store := fs.NewDocumentStore(t.TempDir())
	app := New(local.NewAccounts(store, []byte("test-signing-key")), store)
	for _, fn := range configure {
		fn(app)
	}
	server := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		server.Close()
		app.Close()
	})
	return app, server
}

func newBrowser(t *testing.T, server *httptest.Server) *testBrowser {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testBrowser{
		t:    t,
		base: server.URL,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *testBrowser) do(method, path string, body io.Reader, contentType string) (*http.Response, string) {
	req, err := http.NewRequest(method, b.base+path, body)
	require.NoError(b.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp, string(data)
}

func (b *testBrowser) get(path string) (*http.Response, string) {
	return b.do(http.MethodGet, path, nil, "")
}

func (b *testBrowser) postForm(path string, form url.Values) (*http.Response, string) {
	return b.do(http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func (b *testBrowser) sendJSON(method, path string, v any) (*http.Response, string) {
	data, err := json.Marshal(v)
	require.NoError(b.t, err)
	return b.do(method, path, bytes.NewReader(data), "application/json")
}

func (b *testBrowser) signup(email, name string, role ap.Role) *http.Response {
	resp, _ := b.postForm("/signup", url.Values{
		"email":       {email},
		"password":    {"secret1"},
		"displayName": {name},
		"role":        {string(role)},
	})
	return resp
}

func TestLandingWhenSignedOut(t *testing.T) {
	_, server := setupApp(t)
	b := newBrowser(t, server)

	resp, body := b.get("/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Sign in")

	resp, _ = b.get("/student/progress")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?callbackURL=%2Fstudent%2Fprogress", resp.Header.Get("Location"))
}

func TestStudentJourney(t *testing.T) {
	_, server := setupApp(t)
	b := newBrowser(t, server)

	resp := b.signup("sam@example.com", "Sam Student", ap.RoleStudent)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, _ = b.get("/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, ap.StudentPath, resp.Header.Get("Location"))

	resp, body := b.get("/student")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Welcome, Sam Student")

	// a student never sees the admin pages
	resp, _ = b.get("/admin/students")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, ap.RootPath, resp.Header.Get("Location"))

	resp, body = b.get("/student/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats ap.StudentStats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, "0h 0m", stats.TotalTimeSpent)

	resp, body = b.get("/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Readiness string
		Phase     string
		Profile   *ap.Profile
	}
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, "ready", view.Readiness)
	assert.Equal(t, "authenticated_with_profile", view.Phase)
	require.NotNil(t, view.Profile)
	assert.Equal(t, ap.RoleStudent, view.Profile.Role)
	assert.Equal(t, view.Profile.CreatedAt, view.Profile.LastLogin)

	resp, _ = b.get("/logout")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	resp, _ = b.get("/student")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?callbackURL=%2Fstudent", resp.Header.Get("Location"))

	resp, _ = b.postForm("/login", url.Values{
		"email":       {"sam@example.com"},
		"password":    {"secret1"},
		"callbackURL": {"/student"},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/student", resp.Header.Get("Location"))
	resp, _ = b.get("/student")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthErrorStatusCodes(t *testing.T) {
	app, server := setupApp(t)
	b := newBrowser(t, server)
	require.Equal(t, http.StatusFound, b.signup("dup@example.com", "Dup", ap.RoleStudent).StatusCode)

	other := newBrowser(t, server)
	resp, body := other.postForm("/login", url.Values{"email": {"dup@example.com"}, "password": {"wrong-password"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Invalid credentials")

	assert.Equal(t, http.StatusConflict, other.signup("dup@example.com", "Dup Again", ap.RoleStudent).StatusCode)
	assert.Equal(t, http.StatusBadRequest, other.signup("role@example.com", "Role", "teacher").StatusCode)

	app.Accounts.AllowedDomains = []string{"aptitude.example"}
	resp, body = newBrowser(t, server).postForm("/login", url.Values{"email": {"dup@example.com"}, "password": {"secret1"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "This domain is not authorized")
}

func TestAdminRoster(t *testing.T) {
	_, server := setupApp(t)
	admin := newBrowser(t, server)
	require.Equal(t, http.StatusFound, admin.signup("ada@example.com", "Ada Admin", ap.RoleAdmin).StatusCode)

	resp, _ := admin.get("/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, ap.AdminPath, resp.Header.Get("Location"))

	resp, body := admin.sendJSON(http.MethodPost, "/admin/students", ap.NewStudent{Name: "Bo Learner", Email: "bo@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	resp, _ = admin.sendJSON(http.MethodPost, "/admin/students", ap.NewStudent{Name: "No Email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = admin.get("/admin/students?search=learner")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var roster rosterView
	require.NoError(t, json.Unmarshal([]byte(body), &roster))
	require.Len(t, roster.Students, 1)
	assert.Equal(t, "bo@example.com", roster.Students[0].Email)
	assert.Equal(t, ap.StatusActive, roster.Students[0].Status)
	assert.Equal(t, 1, roster.Summary.Total)

	resp, body = admin.do(http.MethodPost, "/admin/students/"+id+"/toggle", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"inactive"}`, body)

	name := "Bo Renamed"
	resp, _ = admin.sendJSON(http.MethodPatch, "/admin/students/"+id, ap.StudentUpdate{Name: &name})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = admin.sendJSON(http.MethodPatch, "/admin/students/missing", ap.StudentUpdate{Name: &name})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = admin.get("/admin")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Bo Renamed")
	assert.Contains(t, body, "inactive")

	resp, _ = admin.do(http.MethodDelete, "/admin/students/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = admin.get("/admin/students")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &roster))
	assert.Empty(t, roster.Students)
}

func TestSessionSurvivesEviction(t *testing.T) {
	app, server := setupApp(t)
	b := newBrowser(t, server)
	require.Equal(t, http.StatusFound, b.signup("eve@example.com", "Eve", ap.RoleStudent).StatusCode)

	now := time.Now()
	app.Now = func() time.Time { return now.Add(2 * app.IdleTimeout) }
	assert.Equal(t, 1, app.sweep())
	assert.Empty(t, app.clients)

	// the identity token in the session rebuilds the Core
	resp, _ := b.get("/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, ap.StudentPath, resp.Header.Get("Location"))
	assert.Len(t, app.clients, 1)
}

func TestSafeRedirect(t *testing.T) {
	assert.Equal(t, "/student", safeRedirect("/student"))
	assert.Equal(t, "/", safeRedirect(""))
	assert.Equal(t, "/", safeRedirect("//evil.example"))
	assert.Equal(t, "/", safeRedirect("https://evil.example"))
	assert.Equal(t, "/", safeRedirect("/\\evil.example"))
}

func TestGoogleSignIn(t *testing.T) {
	provider := http.NewServeMux()
	provider.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600})
	})
	provider.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "g-1", "email": "gia@example.com", "name": ""})
	})
	providerServer := httptest.NewServer(provider)
	defer providerServer.Close()

	_, server := setupApp(t, func(app *App) {
		google := oauth2.NewGoogleOAuth2("client-id", "client-secret", "http://localhost/auth/google/callback/")
		google.SetEndpoint(oauth2lib.Endpoint{AuthURL: providerServer.URL + "/auth", TokenURL: providerServer.URL + "/token"})
		google.UserInfoURL = providerServer.URL + "/userinfo"
		app.Accounts.Federated = google
		app.Google = google
	})

	b := newBrowser(t, server)
	resp, _ := b.get("/auth/google/?callbackURL=/student/progress")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	resp, _ = b.get("/auth/google/callback/?state=wrong&code=c1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// the failed attempt cleared the state cookie
	resp, _ = b.get("/auth/google/?callbackURL=/student/progress")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err = url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state = location.Query().Get("state")

	resp, _ = b.get("/auth/google/callback/?state=" + url.QueryEscape(state) + "&code=c1")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/student/progress", resp.Header.Get("Location"))

	resp, body := b.get("/student")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Welcome, "+ap.DefaultFederatedName)
}

// gatedStore holds identity lookups until the gate opens
type gatedStore struct {
	ap.DocumentStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedStore) Get(ctx context.Context, collection, id string) (*ap.Record, error) {
	if collection == local.IdentitiesCollection {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.DocumentStore.Get(ctx, collection, id)
}

func requestIn(t *testing.T, app *App, clientID, token string) *http.Request {
	ctx, err := app.Session.Load(context.Background(), "")
	require.NoError(t, err)
	app.Session.Put(ctx, ClientIDSessionVar, clientID)
	if token != "" {
		app.Session.Put(ctx, TokenSessionVar, token)
	}
	return httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
}

func TestSlowRestoreDoesNotBlockOtherBrowsers(t *testing.T) {
	store := fs.NewDocumentStore(t.TempDir())
	gated := &gatedStore{DocumentStore: store, entered: make(chan struct{}), gate: make(chan struct{})}
	accounts := local.NewAccounts(gated, []byte("test-signing-key"))
	app := New(accounts, store)
	defer app.Close()

	token, err := accounts.IssueToken(&ap.Identity{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	slow, fast := requestIn(t, app, "slow", token), requestIn(t, app, "fast", "")
	restored := make(chan *browserSession)
	go func() { restored <- app.sessionFor(slow) }()
	<-gated.entered

	other := make(chan *browserSession)
	go func() { other <- app.sessionFor(fast) }()
	select {
	case bs := <-other:
		require.NotNil(t, bs)
	case <-time.After(2 * time.Second):
		t.Fatal("a new browser waited on another browser's restore")
	}

	close(gated.gate)
	require.NotNil(t, <-restored)
	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.clients, 2)
}

func TestConcurrentFirstRequestsShareOneSession(t *testing.T) {
	app, _ := setupApp(t)
	req := requestIn(t, app, "browser-1", "")

	got := make([]*browserSession, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = app.sessionFor(req)
		}(i)
	}
	wg.Wait()

	for _, bs := range got {
		assert.Same(t, got[0], bs)
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.clients, 1)
}
