// Package resolve folds authoritative server responses into device state.
//
// The server aggregate always wins: the cached copy is replaced wholesale,
// never merged per field. Corrections are reported to listeners so the
// presentation layer can show them instead of hiding them.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/playsync/internal/model"
)

// Cache holds the device's copy of server aggregates.
// Implemented by *store.Store.
type Cache interface {
	GetAggregate(ctx context.Context, childID, gameInstanceID string) (model.Aggregate, bool, error)
	PutAggregate(ctx context.Context, agg model.Aggregate) (bool, error)
}

// Sessions demotes sessions that lost a cross-device conflict.
// Implemented by *session.Manager.
type Sessions interface {
	Supersede(ctx context.Context, sessionID string) error
}

// Update describes one change to the cached aggregate.
type Update struct {
	SessionID   string
	Previous    model.Aggregate
	HadPrevious bool
	Current     model.Aggregate
	// Corrected is set when the server state moved by more than this
	// device's own batch, e.g. another device synced in between.
	Corrected bool
	// NewAchievements lists achievements not in the previous copy.
	NewAchievements []string
	Superseded      bool
	ActiveSessionID string
}

// Listener receives updates. It runs on the dispatcher worker and must not
// block.
type Listener func(Update)

// Resolver applies sync responses to the aggregate cache and the session
// lifecycle.
type Resolver struct {
	cache    Cache
	sessions Sessions

	mu        sync.Mutex
	listeners []Listener
}

// New creates a resolver. sessions may be nil when no session manager is
// running (one-shot syncs); supersede signals are then only stored.
func New(cache Cache, sessions Sessions) *Resolver {
	return &Resolver{cache: cache, sessions: sessions}
}

// OnUpdate registers a listener.
func (r *Resolver) OnUpdate(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Resolve replaces the cached aggregate with the response's one unless the
// cache already holds a newer version, and demotes the session if the
// server reports it superseded.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, resp model.BatchResponse) error {
	agg := resp.Aggregate
	update := Update{
		SessionID:       sessionID,
		Current:         agg,
		Superseded:      resp.Superseded,
		ActiveSessionID: resp.ActiveSessionID,
	}

	changed := false
	if agg.ChildID != "" && agg.GameInstanceID != "" {
		prev, had, err := r.cache.GetAggregate(ctx, agg.ChildID, agg.GameInstanceID)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		wrote, err := r.cache.PutAggregate(ctx, agg)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		if !wrote {
			slog.Debug("stale aggregate ignored",
				"session_id", sessionID,
				"version", agg.Version,
				"cached_version", prev.Version,
			)
		}

		changed = wrote && (!had || agg.Version > prev.Version)
		if changed {
			update.Previous = prev
			update.HadPrevious = had
			update.Corrected = had && agg.Version > prev.Version+1
			update.NewAchievements = newAchievements(prev, agg)
		}
	}

	if resp.Superseded {
		slog.Info("session superseded by another device",
			"session_id", sessionID,
			"active_session_id", resp.ActiveSessionID,
		)
		if r.sessions != nil {
			if err := r.sessions.Supersede(ctx, sessionID); err != nil {
				return fmt.Errorf("resolve: supersede %s: %w", sessionID, err)
			}
		}
	}

	if changed || resp.Superseded {
		r.notify(update)
	}
	return nil
}

func (r *Resolver) notify(u Update) {
	r.mu.Lock()
	listeners := append([]Listener{}, r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(u)
	}
}

func newAchievements(prev, cur model.Aggregate) []string {
	var out []string
	for _, id := range cur.Achievements {
		if !prev.HasAchievement(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
