package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuxracer/matrix-fediverse-bridge-sub000/store"
)

func (d *DB) CreateReport(ctx context.Context, create *store.Report) (*store.Report, error) {
	fields := []string{"reporter_id", "target_id", "fed_object_id", "reason", "direction"}
	args := []any{create.ReporterID, create.TargetID, create.FedObjectID, create.Reason, create.Direction}

	stmt := "INSERT INTO report (" + strings.Join(fields, ", ") + ") VALUES (" + placeholders(len(args)) + ") RETURNING id, created_ts"
	if err := d.q().QueryRowContext(ctx, stmt, args...).Scan(
		&create.ID,
		&create.CreatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create report")
	}

	return create, nil
}

func (d *DB) ListReports(ctx context.Context, find *store.FindReport) ([]*store.Report, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.TargetID != nil {
		where, args = append(where, "target_id = "+placeholder(len(args)+1)), append(args, *find.TargetID)
	}
	if find.Direction != nil {
		where, args = append(where, "direction = "+placeholder(len(args)+1)), append(args, *find.Direction)
	}

	query := `
		SELECT id, reporter_id, target_id, fed_object_id, reason, direction, created_ts
		FROM report
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}
	defer rows.Close()

	list := []*store.Report{}
	for rows.Next() {
		var report store.Report
		if err := rows.Scan(
			&report.ID,
			&report.ReporterID,
			&report.TargetID,
			&report.FedObjectID,
			&report.Reason,
			&report.Direction,
			&report.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan report")
		}
		list = append(list, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}

	return list, nil
}
