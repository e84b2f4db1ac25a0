package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/playsync/internal/model"
)

// PutAggregate caches a server aggregate. A snapshot older than the cached
// one is ignored; reports whether the row was written.
func (s *Store) PutAggregate(ctx context.Context, agg model.Aggregate) (bool, error) {
	snapshot, err := json.Marshal(agg)
	if err != nil {
		return false, fmt.Errorf("put aggregate: marshal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregates (child_id, game_instance_id, version, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(child_id, game_instance_id) DO UPDATE SET
			version = excluded.version,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
		WHERE excluded.version >= aggregates.version
	`, agg.ChildID, agg.GameInstanceID, agg.Version, string(snapshot), toNanos(s.now()))
	if err != nil {
		return false, fmt.Errorf("put aggregate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put aggregate: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetAggregate returns the cached aggregate. found is false when nothing
// has been cached yet for the pair.
func (s *Store) GetAggregate(ctx context.Context, childID, gameInstanceID string) (agg model.Aggregate, found bool, err error) {
	var snapshot string
	err = s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM aggregates
		WHERE child_id = ? AND game_instance_id = ?
	`, childID, gameInstanceID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Aggregate{}, false, nil
	}
	if err != nil {
		return model.Aggregate{}, false, fmt.Errorf("get aggregate: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &agg); err != nil {
		return model.Aggregate{}, false, fmt.Errorf("get aggregate: unmarshal: %w", err)
	}
	if agg.Achievements == nil {
		agg.Achievements = []string{}
	}
	return agg, true, nil
}
