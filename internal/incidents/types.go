// Package incidents holds environmental reports, the alerts NGOs escalate
// them into, and the eco-point leaderboard that rewards reporters.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidInput marks request data the caller must fix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState is returned when a report is not in the status an
	// operation requires.
	ErrInvalidState = errors.New("invalid report state")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// Points awarded to reporters.
const (
	PointsForReport       = 10
	PointsForVerification = 20
)

type Category string

const (
	CategoryAirPollution   Category = "air_pollution"
	CategoryWaterPollution Category = "water_pollution"
	CategoryDeforestation  Category = "deforestation"
	CategoryWasteDumping   Category = "waste_dumping"
	CategoryWildlife       Category = "wildlife"
	CategoryOther          Category = "other"
)

var Categories = []Category{
	CategoryAirPollution, CategoryWaterPollution, CategoryDeforestation,
	CategoryWasteDumping, CategoryWildlife, CategoryOther,
}

func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

type ReportStatus string

const (
	StatusPending   ReportStatus = "pending"
	StatusVerified  ReportStatus = "verified"
	StatusRejected  ReportStatus = "rejected"
	StatusEscalated ReportStatus = "escalated"
)

var Statuses = []ReportStatus{StatusPending, StatusVerified, StatusRejected, StatusEscalated}

func ParseStatus(s string) (ReportStatus, bool) {
	st := ReportStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func ParseSeverity(s string) (Severity, bool) {
	sv := Severity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Severities {
		if sv == known {
			return sv, true
		}
	}
	return "", false
}

// Report is a geotagged incident submitted by a citizen.
type Report struct {
	ID          string       `json:"id"`
	ReporterID  string       `json:"reporter_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    Category     `json:"category"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	ImageURL    string       `json:"image_url,omitempty"`
	Status      ReportStatus `json:"status"`
	ReviewedBy  string       `json:"reviewed_by,omitempty"`
	ReviewNote  string       `json:"review_note,omitempty"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Alert is a public warning raised from a verified report.
type Alert struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	IssuedBy  string    `json:"issued_by"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// ReportFilter narrows ListReports. Zero values mean "any".
type ReportFilter struct {
	Status     ReportStatus
	Category   Category
	ReporterID string
	Limit      int
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Severity Severity
	Limit    int
}

// Review is a status transition applied by a reviewer.
type Review struct {
	ReportID   string
	From       ReportStatus
	To         ReportStatus
	ReviewerID string
	Note       string
	At         time.Time
}

// LeaderboardEntry ranks an identity by eco points.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	IdentityID string `json:"user_id"`
	FullName   string `json:"full_name"`
	EcoPoints  int    `json:"eco_points"`
}

// Stats aggregates platform activity for administrators.
type Stats struct {
	TotalUsers       int            `json:"total_users"`
	UsersByRole      map[string]int `json:"users_by_role"`
	ReportsByStatus  map[string]int `json:"reports_by_status"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
}

// Store persists reports and alerts. Every method joins the transaction
// carried by ctx, if any.
type Store interface {
	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]Report, error)
	// TransitionReport applies rv only if the report is still in rv.From;
	// otherwise it returns ErrInvalidState.
	TransitionReport(ctx context.Context, rv Review) (Report, error)
	AddEcoPoints(ctx context.Context, identityID string, delta int) error

	CreateAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error)

	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	Stats(ctx context.Context) (Stats, error)
}
