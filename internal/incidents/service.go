package incidents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"blueroots.org/internal/audit"
	"blueroots.org/internal/events"
	"blueroots.org/internal/store"
)

const (
	defaultListLimit        = 20
	maxListLimit            = 100
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 50
)

// ReportInput is the payload accepted by CreateReport.
type ReportInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	ImageURL    string   `json:"imageUrl,omitempty"`
}

// AlertInput is the payload accepted by CreateAlert.
type AlertInput struct {
	ReportID string `json:"reportId"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type Service struct {
	store     Store
	publisher events.Publisher
	audit     *audit.Logger
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithAudit(l *audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(st Store, publisher events.Publisher, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("incidents: store is required")
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	s := &Service{store: st, publisher: publisher, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateReport stores a pending report and credits the reporter.
func (s *Service) CreateReport(ctx context.Context, reporterID string, in ReportInput) (Report, error) {
	r, err := in.validate()
	if err != nil {
		return Report{}, err
	}
	r.ReporterID = reporterID
	r.Status = StatusPending
	if err := s.store.CreateReport(ctx, &r); err != nil {
		return Report{}, fmt.Errorf("create report: %w", err)
	}
	if err := s.store.AddEcoPoints(ctx, reporterID, PointsForReport); err != nil {
		return Report{}, fmt.Errorf("award points: %w", err)
	}
	return r, nil
}

func (s *Service) GetReport(ctx context.Context, id string) (Report, error) {
	return s.store.GetReport(ctx, id)
}

func (s *Service) ListReports(ctx context.Context, f ReportFilter) ([]Report, error) {
	f.Limit = clamp(f.Limit, defaultListLimit, maxListLimit)
	return s.store.ListReports(ctx, f)
}

// ReviewReport records an NGO decision on a pending report. Verified reports
// earn the reporter a bonus.
func (s *Service) ReviewReport(ctx context.Context, reviewerID, reportID, decision, note string) (Report, error) {
	to, ok := ParseStatus(decision)
	if !ok || (to != StatusVerified && to != StatusRejected) {
		return Report{}, invalid("decision must be %q or %q", StatusVerified, StatusRejected)
	}
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > 1000 {
		return Report{}, invalid("note must be at most 1000 characters")
	}
	r, err := s.store.TransitionReport(ctx, Review{
		ReportID:   reportID,
		From:       StatusPending,
		To:         to,
		ReviewerID: reviewerID,
		Note:       note,
		At:         s.now().UTC(),
	})
	if err != nil {
		return Report{}, err
	}
	if to == StatusVerified {
		if err := s.store.AddEcoPoints(ctx, r.ReporterID, PointsForVerification); err != nil {
			return Report{}, fmt.Errorf("award points: %w", err)
		}
		s.publishAfterCommit(ctx, events.New(events.ReportVerified, r))
	}
	if err := s.audit.Record(ctx, "report.reviewed",
		zap.String("report_id", r.ID), zap.String("decision", string(to))); err != nil {
		return Report{}, err
	}
	return r, nil
}

// CreateAlert escalates a verified report into an alert. The alert is
// published once the transaction commits.
func (s *Service) CreateAlert(ctx context.Context, issuerID string, in AlertInput) (Alert, error) {
	title := strings.TrimSpace(in.Title)
	message := strings.TrimSpace(in.Message)
	if in.ReportID == "" {
		return Alert{}, invalid("reportId is required")
	}
	if err := checkLength("title", title, 3, 200); err != nil {
		return Alert{}, err
	}
	if err := checkLength("message", message, 1, 5000); err != nil {
		return Alert{}, err
	}
	severity, ok := ParseSeverity(in.Severity)
	if !ok {
		return Alert{}, invalid("severity must be one of low, medium, high, critical")
	}

	report, err := s.store.GetReport(ctx, in.ReportID)
	if err != nil {
		return Alert{}, err
	}
	if report.Status != StatusVerified {
		return Alert{}, fmt.Errorf("%w: only verified reports can be escalated", ErrInvalidState)
	}
	if _, err := s.store.TransitionReport(ctx, Review{
		ReportID:   report.ID,
		From:       StatusVerified,
		To:         StatusEscalated,
		ReviewerID: issuerID,
		Note:       report.ReviewNote,
		At:         s.now().UTC(),
	}); err != nil {
		return Alert{}, err
	}

	alert := Alert{
		ReportID: report.ID,
		IssuedBy: issuerID,
		Title:    title,
		Message:  message,
		Severity: severity,
	}
	if err := s.store.CreateAlert(ctx, &alert); err != nil {
		return Alert{}, fmt.Errorf("create alert: %w", err)
	}
	s.publishAfterCommit(ctx, events.New(events.AlertCreated, alert))
	if err := s.audit.Record(ctx, "alert.created",
		zap.String("alert_id", alert.ID), zap.String("report_id", report.ID)); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

func (s *Service) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	f.Limit = clamp(f.Limit, defaultListLimit, maxListLimit)
	return s.store.ListAlerts(ctx, f)
}

// Leaderboard returns the top identities by eco points.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	entries, err := s.store.Leaderboard(ctx, clamp(limit, defaultLeaderboardLimit, maxLeaderboardLimit))
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) publishAfterCommit(ctx context.Context, evt events.Event) {
	store.AfterCommit(ctx, func(ctx context.Context) {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Error("publish event", zap.String("type", evt.Type), zap.String("event_id", evt.ID), zap.Error(err))
		}
	})
}

func (in ReportInput) validate() (Report, error) {
	r := Report{
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		ImageURL:    strings.TrimSpace(in.ImageURL),
	}
	if err := checkLength("title", r.Title, 3, 200); err != nil {
		return Report{}, err
	}
	if err := checkLength("description", r.Description, 10, 5000); err != nil {
		return Report{}, err
	}
	category, ok := ParseCategory(in.Category)
	if !ok {
		return Report{}, invalid("unknown category %q", in.Category)
	}
	r.Category = category
	if in.Latitude == nil || in.Longitude == nil {
		return Report{}, invalid("latitude and longitude are required")
	}
	if *in.Latitude < -90 || *in.Latitude > 90 {
		return Report{}, invalid("latitude must be between -90 and 90")
	}
	if *in.Longitude < -180 || *in.Longitude > 180 {
		return Report{}, invalid("longitude must be between -180 and 180")
	}
	r.Latitude, r.Longitude = *in.Latitude, *in.Longitude
	if r.ImageURL != "" {
		u, err := url.Parse(r.ImageURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Report{}, invalid("imageUrl must be an http(s) URL")
		}
	}
	return r, nil
}

func checkLength(field, value string, lo, hi int) error {
	n := utf8.RuneCountInString(value)
	if n < lo || n > hi {
		return invalid("%s must be between %d and %d characters", field, lo, hi)
	}
	return nil
}

func clamp(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}
