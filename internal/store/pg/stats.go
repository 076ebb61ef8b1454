package pg

import (
	"context"

	"blueroots.org/internal/incidents"
)

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]incidents.LeaderboardEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select id, full_name, eco_points
		from users
		where eco_points > 0
		order by eco_points desc, created_at asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []incidents.LeaderboardEntry{}
	for rows.Next() {
		var e incidents.LeaderboardEntry
		if err := rows.Scan(&e.IdentityID, &e.FullName, &e.EcoPoints); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (incidents.Stats, error) {
	st := incidents.Stats{}
	if err := s.conn(ctx).QueryRowContext(ctx, `select count(*) from users`).Scan(&st.TotalUsers); err != nil {
		return incidents.Stats{}, err
	}
	var err error
	if st.UsersByRole, err = s.countBy(ctx, `select role, count(*) from user_roles group by role`); err != nil {
		return incidents.Stats{}, err
	}
	if st.ReportsByStatus, err = s.countBy(ctx, `select status, count(*) from reports group by status`); err != nil {
		return incidents.Stats{}, err
	}
	if st.AlertsBySeverity, err = s.countBy(ctx, `select severity, count(*) from alerts group by severity`); err != nil {
		return incidents.Stats{}, err
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}
