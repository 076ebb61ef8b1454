package pg

import (
	"context"
	"fmt"

	"blueroots.org/internal/ids"
	"blueroots.org/internal/incidents"
)

func (s *Store) CreateAlert(ctx context.Context, a *incidents.Alert) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	row := s.conn(ctx).QueryRowContext(ctx, `
		insert into alerts (id, report_id, issued_by, title, message, severity)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, a.ID, a.ReportID, a.IssuedBy, a.Title, a.Message, string(a.Severity))
	if err := row.Scan(&a.CreatedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, f incidents.AlertFilter) ([]incidents.Alert, error) {
	query := `select id, report_id, issued_by, title, message, severity, created_at from alerts`
	args := []any{}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		query += ` where severity = $1`
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` order by created_at desc, id desc limit $%d`, len(args))

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []incidents.Alert{}
	for rows.Next() {
		var (
			a        incidents.Alert
			severity string
		)
		if err := rows.Scan(&a.ID, &a.ReportID, &a.IssuedBy, &a.Title, &a.Message, &severity, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Severity = incidents.Severity(severity)
		result = append(result, a)
	}
	return result, rows.Err()
}
