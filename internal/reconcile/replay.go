package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/playsync/internal/model"
)

// ReplayResult compares a stored aggregate with a refold of its event log.
type ReplayResult struct {
	Stored   model.Aggregate
	Replayed model.Aggregate
	Events   int
	Match    bool
	// Diff names the fields that differ.
	Diff []string
}

// Replay refolds every applied event of a child and game, in application
// order, and compares the result with the stored aggregate.
func (s *Service) Replay(ctx context.Context, childID, gameInstanceID string) (ReplayResult, error) {
	stored, _, err := getAggregate(ctx, s.db.db, childID, gameInstanceID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	events, keys, err := appliedLog(ctx, s.db.db, childID, gameInstanceID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	replayed, ferr := s.folder.replay(childID, gameInstanceID, events, keys, stored.UpdatedAt)
	if ferr != nil {
		return ReplayResult{}, fmt.Errorf("replay: event %s: %s", ferr.EventID, ferr.Message)
	}

	diff := diffAggregates(stored, replayed)
	return ReplayResult{
		Stored:   stored,
		Replayed: replayed,
		Events:   len(events),
		Match:    len(diff) == 0,
		Diff:     diff,
	}, nil
}

// AggregateKeys lists every child and game with stored progress.
func (s *Service) AggregateKeys(ctx context.Context) ([]AggregateKey, error) {
	return aggregateKeys(ctx, s.db.db)
}

func diffAggregates(a, b model.Aggregate) []string {
	diff := []string{}
	if a.TotalScore != b.TotalScore {
		diff = append(diff, "totalScore")
	}
	if a.CurrencyBalance != b.CurrencyBalance {
		diff = append(diff, "currencyBalance")
	}
	if !slices.Equal(a.Achievements, b.Achievements) {
		diff = append(diff, "achievements")
	}
	if a.InteractionCount != b.InteractionCount {
		diff = append(diff, "interactionCount")
	}
	if a.SessionsCompleted != b.SessionsCompleted {
		diff = append(diff, "sessionsCompleted")
	}
	if a.Version != b.Version {
		diff = append(diff, "version")
	}
	return diff
}
