package persistence

import (
	"context"
	"database/sql"
)

// CollectRows scans every row with scan and closes rows.
//
// Handlers collect a result set fully before issuing nested queries: a
// session's connection serves one open result set at a time.
func CollectRows[R any](rows *sql.Rows, scan func(Row) (R, error)) ([]R, error) {
	defer rows.Close()

	var out []R
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryIDs runs a query selecting a single integer column and returns its values.
func QueryIDs(ctx context.Context, q Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return CollectRows(rows, func(r Row) (int64, error) {
		var id int64
		err := r.Scan(&id)
		return id, err
	})
}
