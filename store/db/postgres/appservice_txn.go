package postgres

import (
	"context"

	"github.com/pkg/errors"
)

// InsertAppserviceTxn returns true when the transaction id is new. A replay
// hits the primary key, inserts nothing, and returns false.
func (d *DB) InsertAppserviceTxn(ctx context.Context, txnID string, createdTs int64) (bool, error) {
	stmt := `
		INSERT INTO appservice_txn (txn_id, created_ts)
		VALUES ($1, $2)
		ON CONFLICT (txn_id) DO NOTHING`
	result, err := d.q().ExecContext(ctx, stmt, txnID, createdTs)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert appservice txn")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return affected == 1, nil
}

func (d *DB) DeleteAppserviceTxnsBefore(ctx context.Context, beforeTs int64) (int64, error) {
	result, err := d.q().ExecContext(ctx, "DELETE FROM appservice_txn WHERE created_ts < $1", beforeTs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete appservice txns")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return affected, nil
}
