package web

import (
	"html/template"
	"log/slog"
	"net/http"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "header"}}<!DOCTYPE html><html><head><title>{{.Title}}</title></head><body>{{end}}
{{define "footer"}}</body></html>{{end}}

{{define "landing"}}{{template "header" .}}
<h1>Aptitude</h1>
<p>Practice aptitude tests and track your progress.</p>
<a href="/login">Sign in</a> or <a href="/signup">create an account</a>
{{template "footer" .}}{{end}}

{{define "login"}}{{template "header" .}}
<h1>Sign in</h1>
{{with .Error}}<p class="error">{{.}}</p>{{end}}
<form method="POST" action="/login">
  <input type="hidden" name="callbackURL" value="{{.CallbackURL}}">
  <input type="email" name="email" value="{{.Email}}" placeholder="Email">
  <input type="password" name="password" placeholder="Password">
  <button type="submit">Sign in</button>
</form>
{{if .Google}}<a href="/auth/google/?callbackURL={{.CallbackURL}}">Sign in with Google</a>{{end}}
<a href="/signup">Create an account</a>
{{template "footer" .}}{{end}}

{{define "signup"}}{{template "header" .}}
<h1>Create an account</h1>
{{with .Error}}<p class="error">{{.}}</p>{{end}}
<form method="POST" action="/signup">
  <input type="text" name="displayName" value="{{.Name}}" placeholder="Full name">
  <input type="email" name="email" value="{{.Email}}" placeholder="Email">
  <input type="password" name="password" placeholder="Password">
  <select name="role">
    <option value="student">Student</option>
    <option value="admin">Administrator</option>
  </select>
  <button type="submit">Sign up</button>
</form>
{{template "footer" .}}{{end}}

{{define "student"}}{{template "header" .}}
<h1>Welcome, {{.Profile.DisplayName}}</h1>
<p>{{.Profile.Email}}</p>
<a href="/student/progress">Progress</a> <a href="/logout">Sign out</a>
{{template "footer" .}}{{end}}

{{define "admin"}}{{template "header" .}}
<h1>Students</h1>
<p>{{.Summary.Total}} students, {{.Summary.Active}} active ({{.Summary.ActivePercent}}%)</p>
<table>
<tr><th>Name</th><th>Email</th><th>Status</th><th>Tests</th><th>Average</th><th>Time</th></tr>
{{range .Students}}<tr><td>{{.Name}}</td><td>{{.Email}}</td><td>{{.Status}}</td><td>{{.TestsCompleted}}</td><td>{{.AverageScore}}%</td><td>{{.TotalTimeSpent}}</td></tr>
{{end}}</table>
<a href="/logout">Sign out</a>
{{template "footer" .}}{{end}}
`))

type formPage struct {
	Title       string
	Error       string
	Email       string
	Name        string
	CallbackURL string
	Google      bool
}

func render(w http.ResponseWriter, logger *slog.Logger, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		logger.Error("error rendering page", "page", name, "error", err)
	}
}
