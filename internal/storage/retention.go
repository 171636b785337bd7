package storage

import (
	"context"
	"fmt"
	"time"
)

// PurgeStaleWorkflowStates deletes snapshots not updated within maxAge and
// returns how many were removed. A maxAge of zero removes every snapshot.
func (db *DB) PurgeStaleWorkflowStates(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 0 {
		maxAge = 0
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := db.pool.Exec(ctx, `DELETE FROM workflow_states WHERE updated_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge stale workflow states: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		db.logger.Info("storage: purged stale workflow states", "count", n, "max_age", maxAge)
	}
	return tag.RowsAffected(), nil
}

// ArchiveHandoffs moves inactive documents created before cutoff into
// handoff_archive and returns how many were moved. Live documents are never
// archived. A live successor of an archived document keeps its own row but
// its predecessor pointer is cleared; the archived row retains both links.
func (db *DB) ArchiveHandoffs(ctx context.Context, before time.Time) (int64, error) {
	var moved int64
	err := db.pool.QueryRow(ctx,
		`WITH moved AS (
		     DELETE FROM handoffs
		     WHERE NOT is_active AND created_at < $1
		     RETURNING *
		 ), archived AS (
		     INSERT INTO handoff_archive
		     SELECT moved.*, now() FROM moved
		     RETURNING 1
		 )
		 SELECT COUNT(*) FROM archived`,
		before,
	).Scan(&moved)
	if err != nil {
		return 0, fmt.Errorf("storage: archive handoffs: %w", err)
	}
	if moved > 0 {
		db.logger.Info("storage: archived handoffs", "count", moved, "before", before)
	}
	return moved, nil
}
