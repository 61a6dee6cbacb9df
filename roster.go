package aptitude

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Student status values
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Fields specific to roster and attempt records
const (
	FieldName     = "name"
	FieldStatus   = "status"
	FieldUserID   = "userId"
	FieldScore    = "score"
	FieldDuration = "duration"

	AttemptCompleted = "completed"
)

// StudentStats is what the attempts of one user add up to
type StudentStats struct {
	TestsCompleted int     `json:"testsCompleted"`
	AverageScore   int     `json:"averageScore"`
	TotalMinutes   float64 `json:"totalMinutes"`
	TotalTimeSpent string  `json:"totalTimeSpent"`
}

// Student is a student profile joined with its attempt statistics
type Student struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	Avatar     string    `json:"avatar,omitempty"`
	JoinedDate time.Time `json:"joinedDate"`
	LastActive time.Time `json:"lastActive"`
	Status     string    `json:"status"`
	StudentStats
}

// RosterSummary aggregates a list of students
type RosterSummary struct {
	Total             int     `json:"total"`
	Active            int     `json:"active"`
	ActivePercent     int     `json:"activePercent"`
	AvgTestsCompleted float64 `json:"avgTestsCompleted"`
	AvgScore          float64 `json:"avgScore"`
}

// NewStudent is the payload for creating a student record by hand
type NewStudent struct {
	Name   string `json:"name" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Status string `json:"status" validate:"omitempty,oneof=active inactive suspended"`
}

// StudentUpdate carries the fields to change; nil fields are left alone
type StudentUpdate struct {
	Name   *string `json:"name,omitempty"`
	Email  *string `json:"email,omitempty" validate:"omitempty,email"`
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=active inactive suspended"`
}

// Roster is the admin view over student profiles and their test attempts
type Roster struct {
	Store  DocumentStore
	Now    func() time.Time
	Logger *slog.Logger

	validate *validator.Validate
}

func NewRoster(store DocumentStore) *Roster {
	return &Roster{
		Store:    store,
		Now:      time.Now,
		Logger:   slog.Default(),
		validate: validator.New(),
	}
}

// List returns every student profile with statistics over all attempts
func (r *Roster) List(ctx context.Context) ([]*Student, error) {
	profiles, err := r.Store.List(ctx, ProfilesCollection, Where(FieldRole, string(RoleStudent)))
	if err != nil {
		return nil, fmt.Errorf("listing students: %w", err)
	}
	attempts, err := r.Store.List(ctx, AttemptsCollection)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	byUser := make(map[string][]*Record)
	for _, a := range attempts {
		uid := StringField(a.Fields, FieldUserID)
		byUser[uid] = append(byUser[uid], a)
	}

	now := r.Now()
	out := make([]*Student, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, studentFromRecord(p, byUser[p.ID], now))
	}
	return out, nil
}

// StatsFor computes the statistics of a single user
func (r *Roster) StatsFor(ctx context.Context, userID string) (StudentStats, error) {
	attempts, err := r.Store.List(ctx, AttemptsCollection, Where(FieldUserID, userID))
	if err != nil {
		return StudentStats{}, fmt.Errorf("listing attempts for %s: %w", userID, err)
	}
	return ComputeStats(attempts), nil
}

// Create adds a student record under a generated id
func (r *Roster) Create(ctx context.Context, s NewStudent) (string, error) {
	if err := r.validate.Struct(s); err != nil {
		return "", err
	}
	status := s.Status
	if status == "" {
		status = StatusActive
	}
	now := r.Now()
	id, err := r.Store.Create(ctx, ProfilesCollection, map[string]any{
		FieldName:        s.Name,
		FieldDisplayName: s.Name,
		FieldEmail:       s.Email,
		FieldRole:        string(RoleStudent),
		FieldStatus:      status,
		FieldCreatedAt:   now,
		FieldLastLogin:   now,
	})
	if err != nil {
		return "", fmt.Errorf("creating student: %w", err)
	}
	r.Logger.Info("student created", "id", id, "email", s.Email)
	return id, nil
}

// Update merges the given fields into an existing student record
func (r *Roster) Update(ctx context.Context, id string, u StudentUpdate) error {
	if err := r.validate.Struct(u); err != nil {
		return err
	}
	fields := map[string]any{}
	if u.Name != nil {
		fields[FieldName] = *u.Name
		fields[FieldDisplayName] = *u.Name
	}
	if u.Email != nil {
		fields[FieldEmail] = *u.Email
	}
	if u.Status != nil {
		fields[FieldStatus] = *u.Status
	}
	if len(fields) == 0 {
		return nil
	}
	return r.Store.Update(ctx, ProfilesCollection, id, fields)
}

// ToggleStatus flips active to inactive; any other status becomes active
func (r *Roster) ToggleStatus(ctx context.Context, id string) (string, error) {
	rec, err := r.Store.Get(ctx, ProfilesCollection, id)
	if err != nil {
		return "", err
	}
	next := StatusActive
	if studentStatus(rec.Fields) == StatusActive {
		next = StatusInactive
	}
	if err := r.Store.Update(ctx, ProfilesCollection, id, map[string]any{FieldStatus: next}); err != nil {
		return "", err
	}
	return next, nil
}

func (r *Roster) Delete(ctx context.Context, id string) error {
	if err := r.Store.Delete(ctx, ProfilesCollection, id); err != nil {
		return fmt.Errorf("deleting student %s: %w", id, err)
	}
	r.Logger.Info("student deleted", "id", id)
	return nil
}

// ComputeStats derives statistics from a user's attempts.  Only completed
// attempts carrying a score field count towards the average; durations of all attempts
// count towards the time spent.
func ComputeStats(attempts []*Record) StudentStats {
	var out StudentStats
	var scoreSum float64
	for _, a := range attempts {
		if d, ok := NumberField(a.Fields, FieldDuration); ok {
			out.TotalMinutes += d
		}
		if StringField(a.Fields, FieldStatus) != AttemptCompleted {
			continue
		}
		// a score that is present but null counts as zero
		if _, present := a.Fields[FieldScore]; !present {
			continue
		}
		out.TestsCompleted++
		score, _ := NumberField(a.Fields, FieldScore)
		scoreSum += score
	}
	if out.TestsCompleted > 0 {
		out.AverageScore = int(roundHalfUp(scoreSum / float64(out.TestsCompleted)))
	}
	out.TotalTimeSpent = FormatMinutes(out.TotalMinutes)
	return out
}

// FormatMinutes renders a minute count as "<h>h <m>m"
func FormatMinutes(total float64) string {
	hours := math.Floor(total / 60)
	minutes := math.Mod(total, 60)
	return fmt.Sprintf("%dh %sm", int64(hours), strconv.FormatFloat(minutes, 'f', -1, 64))
}

// FilterStudents keeps students whose name or email contains search (case
// insensitive) and whose status matches.  An empty or "all" status matches everyone.
func FilterStudents(students []*Student, search, status string) []*Student {
	needle := strings.ToLower(search)
	out := make([]*Student, 0, len(students))
	for _, s := range students {
		matchesSearch := strings.Contains(strings.ToLower(s.Name), needle) ||
			strings.Contains(strings.ToLower(s.Email), needle)
		matchesStatus := status == "" || status == "all" || s.Status == status
		if matchesSearch && matchesStatus {
			out = append(out, s)
		}
	}
	return out
}

// Summarize computes roster wide totals and averages
func Summarize(students []*Student) RosterSummary {
	out := RosterSummary{Total: len(students)}
	if out.Total == 0 {
		return out
	}
	var tests, scores float64
	for _, s := range students {
		if s.Status == StatusActive {
			out.Active++
		}
		tests += float64(s.TestsCompleted)
		scores += float64(s.AverageScore)
	}
	n := float64(out.Total)
	out.ActivePercent = int(roundHalfUp(float64(out.Active) / n * 100))
	out.AvgTestsCompleted = math.Round(tests/n*10) / 10
	out.AvgScore = math.Round(scores/n*10) / 10
	return out
}

func studentFromRecord(rec *Record, attempts []*Record, now time.Time) *Student {
	f := rec.Fields
	name := StringField(f, FieldDisplayName)
	if name == "" {
		name = StringField(f, FieldName)
	}
	joined := TimeField(f, FieldCreatedAt)
	if joined.IsZero() {
		joined = now
	}
	last := TimeField(f, FieldLastLogin)
	if last.IsZero() {
		last = now
	}
	return &Student{
		ID:           rec.ID,
		Name:         name,
		Email:        StringField(f, FieldEmail),
		Role:         Role(StringField(f, FieldRole)),
		Avatar:       StringField(f, FieldPhotoURL),
		JoinedDate:   joined,
		LastActive:   last,
		Status:       studentStatus(f),
		StudentStats: ComputeStats(attempts),
	}
}

func studentStatus(fields map[string]any) string {
	if s := StringField(fields, FieldStatus); s != "" {
		return s
	}
	return StatusActive
}

// rounds halves towards +Inf
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
