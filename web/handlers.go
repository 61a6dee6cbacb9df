package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	ap "github.com/panyam/aptitude"
	"github.com/panyam/aptitude/oauth2"
)

// statusFor maps auth errors to HTTP status codes
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ap.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ap.ErrDuplicateIdentity):
		return http.StatusConflict
	case errors.Is(err, ap.ErrDomainNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ap.ErrUnknownProvider):
		return http.StatusBadGateway
	case errors.Is(err, ap.ErrInvalidRole), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, ap.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// errorMessage is what a user is shown for err
func errorMessage(err error) string {
	var aerr *ap.AuthError
	if errors.As(err, &aerr) {
		return aerr.Message
	}
	if errors.Is(err, ap.ErrInvalidRole) {
		return err.Error()
	}
	return "Something went wrong, please try again"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.Logger.Error("request failed", "error", err)
	}
	body := map[string]any{"error": errorMessage(err)}
	if code := ap.AuthErrorCode(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func (a *App) landing(w http.ResponseWriter, r *http.Request) {
	render(w, a.Logger, http.StatusOK, "landing", formPage{Title: "Aptitude"})
}

func (a *App) loginPage(w http.ResponseWriter, r *http.Request) {
	render(w, a.Logger, http.StatusOK, "login", formPage{
		Title:       "Sign in",
		CallbackURL: r.URL.Query().Get(a.guard.CallbackURLParam),
		Google:      a.Google != nil,
	})
}

func (a *App) login(w http.ResponseWriter, r *http.Request) {
	email := r.FormValue("email")
	callbackURL := r.FormValue(a.guard.CallbackURLParam)
	bs := a.sessionFor(r)
	if err := bs.core.Login(r.Context(), email, r.FormValue("password")); err != nil {
		a.Logger.Info("login failed", "email", email, "error", err)
		render(w, a.Logger, statusFor(err), "login", formPage{
			Title:       "Sign in",
			Error:       errorMessage(err),
			Email:       email,
			CallbackURL: callbackURL,
			Google:      a.Google != nil,
		})
		return
	}
	a.signedIn(w, r, bs, callbackURL)
}

func (a *App) signupPage(w http.ResponseWriter, r *http.Request) {
	render(w, a.Logger, http.StatusOK, "signup", formPage{Title: "Create an account"})
}

func (a *App) signup(w http.ResponseWriter, r *http.Request) {
	email, name := r.FormValue("email"), r.FormValue("displayName")
	role := ap.Role(r.FormValue("role"))
	if role == ap.RoleNone {
		role = ap.RoleStudent
	}
	bs := a.sessionFor(r)
	if _, err := bs.core.Register(r.Context(), email, r.FormValue("password"), name, role); err != nil {
		a.Logger.Info("signup failed", "email", email, "error", err)
		render(w, a.Logger, statusFor(err), "signup", formPage{
			Title: "Create an account",
			Error: errorMessage(err),
			Email: email,
			Name:  name,
		})
		return
	}
	a.signedIn(w, r, bs, ap.RootPath)
}

func (a *App) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bs := a.sessionFor(r)
	bs.core.Logout(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, a.ReadyTimeout)
	defer cancel()
	if _, err := bs.core.Await(waitCtx, func(s ap.SessionState) bool { return s.Identity == nil }); err != nil {
		a.Logger.Debug("sign out not published before redirect", "error", err)
	}
	a.Session.Remove(ctx, TokenSessionVar)
	if err := a.Session.RenewToken(ctx); err != nil {
		a.Logger.Warn("error renewing session token", "error", err)
	}
	http.Redirect(w, r, safeRedirect(r.URL.Query().Get("to")), http.StatusFound)
}

func (a *App) googleCallback(w http.ResponseWriter, r *http.Request) {
	if err := oauth2.VerifyState(w, r); err != nil {
		a.Logger.Warn("rejected oauth callback", "error", err)
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return
	}
	callbackURL := oauth2.CallbackURL(r)
	http.SetCookie(w, &http.Cookie{Name: oauth2.CallbackURLCookieName, Path: "/", MaxAge: -1})

	bs := a.sessionFor(r)
	ctx := oauth2.WithCode(r.Context(), r.FormValue("code"))
	if _, err := bs.core.LoginWithFederatedIdentity(ctx); err != nil {
		a.Logger.Info("federated login failed", "error", err)
		render(w, a.Logger, statusFor(err), "login", formPage{
			Title:       "Sign in",
			Error:       errorMessage(err),
			CallbackURL: callbackURL,
			Google:      true,
		})
		return
	}
	a.signedIn(w, r, bs, callbackURL)
}

type stateView struct {
	Readiness string       `json:"readiness"`
	Phase     string       `json:"phase"`
	Identity  *ap.Identity `json:"identity,omitempty"`
	Profile   *ap.Profile  `json:"profile,omitempty"`
}

func (a *App) state(w http.ResponseWriter, r *http.Request) {
	s := a.stateFor(r)
	view := stateView{Readiness: s.Readiness.String(), Phase: ap.Phase(s).String()}
	if s.IsReady() {
		view.Identity, view.Profile = s.Identity, s.Profile
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) studentHome(w http.ResponseWriter, r *http.Request) {
	s, _ := ap.SessionStateFromContext(r.Context())
	render(w, a.Logger, http.StatusOK, "student", struct {
		Title   string
		Profile *ap.Profile
	}{"Dashboard", s.Profile})
}

func (a *App) studentProgress(w http.ResponseWriter, r *http.Request) {
	s, _ := ap.SessionStateFromContext(r.Context())
	stats, err := a.Roster.StatsFor(r.Context(), s.Profile.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) adminHome(w http.ResponseWriter, r *http.Request) {
	students, err := a.Roster.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	render(w, a.Logger, http.StatusOK, "admin", struct {
		Title    string
		Students []*ap.Student
		Summary  ap.RosterSummary
	}{"Students", students, ap.Summarize(students)})
}

type rosterView struct {
	Students []*ap.Student    `json:"students"`
	Summary  ap.RosterSummary `json:"summary"`
}

// listStudents filters by the search and status query parameters.  The
// summary always covers the whole roster.
func (a *App) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := a.Roster.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, rosterView{
		Students: ap.FilterStudents(students, q.Get("search"), q.Get("status")),
		Summary:  ap.Summarize(students),
	})
}

func (a *App) createStudent(w http.ResponseWriter, r *http.Request) {
	var req ap.NewStudent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := a.Roster.Create(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *App) updateStudent(w http.ResponseWriter, r *http.Request) {
	var req ap.StudentUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.Roster.Update(r.Context(), mux.Vars(r)["id"], req); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) toggleStudent(w http.ResponseWriter, r *http.Request) {
	status, err := a.Roster.ToggleStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *App) deleteStudent(w http.ResponseWriter, r *http.Request) {
	if err := a.Roster.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
