package store

import (
	"fmt"
	"sort"

	"github.com/banshee-data/extrack/internal/motility"
)

// SavePredictions replaces the predictions of a run in one transaction.
func (s *Store) SavePredictions(runID string, probs map[int][]motility.StateProbability) error {
	if _, err := s.GetRun(runID); err != nil {
		return err
	}

	ids := make([]int, 0, len(probs))
	for id := range probs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var rows int
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM predictions WHERE run_id = ?`, runID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO predictions (run_id, track_id, idx, p_stuck, p_diffusive)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		rows = 0
		for _, id := range ids {
			for i, sp := range probs[id] {
				if _, err := stmt.Exec(runID, id, i, sp.Stuck, sp.Diffusive); err != nil {
					return err
				}
				rows++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("save predictions of run %s: %w", runID, err)
	}
	logf("saved %d predictions for %d tracks of run %s", rows, len(ids), runID)
	return nil
}

// LoadPredictions returns the predictions of a run keyed by track ID.
func (s *Store) LoadPredictions(runID string) (map[int][]motility.StateProbability, error) {
	rows, err := s.db.Query(`
		SELECT track_id, idx, p_stuck, p_diffusive
		FROM predictions
		WHERE run_id = ?
		ORDER BY track_id, idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	out := make(map[int][]motility.StateProbability)
	for rows.Next() {
		var id, idx int
		var sp motility.StateProbability
		if err := rows.Scan(&id, &idx, &sp.Stuck, &sp.Diffusive); err != nil {
			return nil, err
		}
		if idx != len(out[id]) {
			return nil, fmt.Errorf("track %d: prediction %d missing", id, len(out[id]))
		}
		out[id] = append(out[id], sp)
	}
	return out, rows.Err()
}
