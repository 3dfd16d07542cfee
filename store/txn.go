package store

import (
	"context"
	"time"
)

// InsertAppserviceTxn records a homeserver transaction id. It returns false
// when the id was already recorded, which means the transaction is a replay
// and must not be reprocessed. The in-memory set answers the hot path; the
// table makes dedupe survive restarts.
func (s *Store) InsertAppserviceTxn(ctx context.Context, txnID string) (bool, error) {
	if !s.inTx && s.txnCache.Contains(txnID) {
		return false, nil
	}

	inserted, err := s.driver.InsertAppserviceTxn(ctx, txnID, time.Now().Unix())
	if err != nil {
		return false, err
	}
	if !s.inTx {
		s.txnCache.SetWithDefaultTTL(txnID, struct{}{})
	}
	return inserted, nil
}

// DeleteAppserviceTxnsBefore trims transaction ids older than beforeTs.
func (s *Store) DeleteAppserviceTxnsBefore(ctx context.Context, beforeTs int64) (int64, error) {
	return s.driver.DeleteAppserviceTxnsBefore(ctx, beforeTs)
}
