package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/model"
)

// ExportResults builds export-ready instance results from all snapshots.
func (s *Store) ExportResults(ctx context.Context) ([]model.InstanceResult, error) {
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var results []model.InstanceResult
	for _, snap := range snaps {
		cm := correctmap.New()
		if err := json.Unmarshal(snap.State, cm); err != nil {
			return nil, fmt.Errorf("decode snapshot %s/%s: %w", snap.ProblemID, snap.InstanceID, err)
		}
		pending, err := s.PendingCount(ctx, snap.ProblemID, snap.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("count pending %s/%s: %w", snap.ProblemID, snap.InstanceID, err)
		}

		var score float64
		for _, id := range cm.IDs() {
			score += cm.NPoints(id)
		}
		results = append(results, model.InstanceResult{
			ProblemID:      snap.ProblemID,
			InstanceID:     snap.InstanceID,
			UpdatedAt:      snap.UpdatedAt,
			Records:        cm.Entries(),
			OverallMessage: cm.OverallMessage(),
			Score:          score,
			PendingQueue:   pending,
		})
	}
	return results, nil
}
