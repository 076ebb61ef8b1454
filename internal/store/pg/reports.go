package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"blueroots.org/internal/ids"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/store"
)

const reportColumns = `id, reporter_id, title, description, category, latitude, longitude, image_url,
	status, reviewed_by, review_note, reviewed_at, created_at, updated_at`

func scanReport(row scanner) (incidents.Report, error) {
	var (
		r          incidents.Report
		category   string
		status     string
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ReporterID, &r.Title, &r.Description, &category, &r.Latitude, &r.Longitude,
		&r.ImageURL, &status, &reviewedBy, &r.ReviewNote, &reviewedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return incidents.Report{}, err
	}
	r.Category = incidents.Category(category)
	r.Status = incidents.ReportStatus(status)
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		at := reviewedAt.Time
		r.ReviewedAt = &at
	}
	return r, nil
}

func (s *Store) CreateReport(ctx context.Context, r *incidents.Report) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	row := s.conn(ctx).QueryRowContext(ctx, `
		insert into reports (id, reporter_id, title, description, category, latitude, longitude, image_url, status)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at, updated_at
	`, r.ID, r.ReporterID, r.Title, r.Description, string(r.Category), r.Latitude, r.Longitude, r.ImageURL, string(r.Status))
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, id string) (incidents.Report, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `select `+reportColumns+` from reports where id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		return incidents.Report{}, translate(err)
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, f incidents.ReportFilter) ([]incidents.Report, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.ReporterID != "" {
		add("reporter_id = $%d", f.ReporterID)
	}
	query := `select ` + reportColumns + ` from reports`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` order by created_at desc, id desc limit $%d`, len(args))

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []incidents.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// TransitionReport updates the status only while the report is still in
// rv.From, so two concurrent reviewers cannot both succeed.
func (s *Store) TransitionReport(ctx context.Context, rv incidents.Review) (incidents.Report, error) {
	var reviewer any
	if rv.ReviewerID != "" {
		reviewer = rv.ReviewerID
	}
	row := s.conn(ctx).QueryRowContext(ctx, `
		update reports
		set status = $3, reviewed_by = $4, review_note = $5, reviewed_at = $6, updated_at = now()
		where id = $1 and status = $2
		returning `+reportColumns,
		rv.ReportID, string(rv.From), string(rv.To), reviewer, rv.Note, rv.At)
	r, err := scanReport(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return incidents.Report{}, translate(err)
	}

	var current string
	err = s.conn(ctx).QueryRowContext(ctx, `select status from reports where id = $1`, rv.ReportID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return incidents.Report{}, store.ErrNotFound
	}
	if err != nil {
		return incidents.Report{}, err
	}
	return incidents.Report{}, fmt.Errorf("%w: report is %s, expected %s", incidents.ErrInvalidState, current, rv.From)
}
