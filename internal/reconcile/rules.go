package reconcile

import (
	"sort"
	"time"

	"github.com/roach88/playsync/internal/model"
)

// Rule credits an achievement, plus an optional currency reward, once the
// aggregate satisfies Met. Rules are evaluated after every folded event and
// an achievement is never revoked.
type Rule struct {
	AchievementID string
	Reward        int64
	Met           func(model.Aggregate) bool
}

// DefaultRules is the built-in achievement table.
func DefaultRules() []Rule {
	return []Rule{
		{AchievementID: "first-steps", Reward: 5, Met: func(a model.Aggregate) bool { return a.InteractionCount >= 1 }},
		{AchievementID: "busy-hands", Reward: 20, Met: func(a model.Aggregate) bool { return a.InteractionCount >= 50 }},
		{AchievementID: "score-100", Reward: 10, Met: func(a model.Aggregate) bool { return a.TotalScore >= 100 }},
		{AchievementID: "score-1000", Reward: 50, Met: func(a model.Aggregate) bool { return a.TotalScore >= 1000 }},
		{AchievementID: "first-finish", Reward: 10, Met: func(a model.Aggregate) bool { return a.SessionsCompleted >= 1 }},
		{AchievementID: "regular-player", Reward: 25, Met: func(a model.Aggregate) bool { return a.SessionsCompleted >= 5 }},
	}
}

// folder applies events to an aggregate. It is pure: the same events in the
// same order always produce the same aggregate.
type folder struct {
	rules []Rule
}

// foldError reports the event that broke a business rule.
type foldError struct {
	EventID string
	Code    string
	Message string
}

// apply folds one event into agg in place.
func (f folder) apply(agg *model.Aggregate, ev model.Event) *foldError {
	switch ev.Type {
	case model.EventInteraction:
		var p model.InteractionPayload
		if err := ev.DecodePayload(&p); err != nil {
			return &foldError{EventID: ev.EventID, Code: CodeInvalidPayload, Message: err.Error()}
		}
		agg.TotalScore += p.ScoreDelta
		agg.InteractionCount++

	case model.EventScoreDelta:
		var p model.DeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return &foldError{EventID: ev.EventID, Code: CodeInvalidPayload, Message: err.Error()}
		}
		agg.TotalScore += p.Delta

	case model.EventCurrencyDelta:
		var p model.DeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return &foldError{EventID: ev.EventID, Code: CodeInvalidPayload, Message: err.Error()}
		}
		if agg.CurrencyBalance+p.Delta < 0 {
			return &foldError{EventID: ev.EventID, Code: CodeNegativeBalance, Message: "currency balance cannot go negative"}
		}
		agg.CurrencyBalance += p.Delta

	case model.EventSessionEnd:
		var p model.SessionEndPayload
		if err := ev.DecodePayload(&p); err != nil {
			return &foldError{EventID: ev.EventID, Code: CodeInvalidPayload, Message: err.Error()}
		}
		if p.Completed() {
			agg.SessionsCompleted++
		}

	case model.EventAchievementUnlocked:
		// Client claims are recorded, never credited.
	}

	f.credit(agg)
	return nil
}

func (f folder) credit(agg *model.Aggregate) {
	added := false
	for _, r := range f.rules {
		if agg.HasAchievement(r.AchievementID) || !r.Met(*agg) {
			continue
		}
		agg.Achievements = append(agg.Achievements, r.AchievementID)
		agg.CurrencyBalance += r.Reward
		added = true
	}
	if added {
		sort.Strings(agg.Achievements)
	}
}

// replay refolds an applied log from zero. keys carries the batch each
// event arrived in; version counts distinct batches.
func (f folder) replay(childID, gameInstanceID string, events []model.Event, keys []string, updatedAt time.Time) (model.Aggregate, *foldError) {
	agg := model.Aggregate{ChildID: childID, GameInstanceID: gameInstanceID, Achievements: []string{}, UpdatedAt: updatedAt}
	seen := make(map[string]bool)
	for i, ev := range events {
		if ferr := f.apply(&agg, ev); ferr != nil {
			return agg, ferr
		}
		if !seen[keys[i]] {
			seen[keys[i]] = true
			agg.Version++
		}
	}
	return agg, nil
}
