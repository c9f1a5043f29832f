package sandboxctl

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
	"github.com/ashureev/sessionctl/internal/store"
)

// StaleCallback is invoked for each sandbox the reconciler forces to
// stopped, so the caller (the actor registry) can decide whether to
// request a fresh sandbox for pending work.
type StaleCallback func(sessionID string)

// Reconciler periodically walks sandbox records and forces status to
// stopped when the heartbeat has gone stale while the controller still
// believes the sandbox is alive (spec §4.6).
type Reconciler struct {
	repo          store.Repository
	maxAge        time.Duration
	sweepInterval time.Duration
	onStale       StaleCallback
}

// NewReconciler creates a Reconciler. onStale may be nil.
func NewReconciler(repo store.Repository, maxAge, sweepInterval time.Duration, onStale StaleCallback) *Reconciler {
	return &Reconciler{repo: repo, maxAge: maxAge, sweepInterval: sweepInterval, onStale: onStale}
}

// Start runs the reconciliation loop until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("sandbox reconciler started", "interval", r.sweepInterval, "max_heartbeat_age", r.maxAge)

		for {
			select {
			case <-ticker.C:
				r.sweep(ctx)
			case <-ctx.Done():
				slog.Info("sandbox reconciler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Reconciler) sweep(ctx context.Context) {
	stale, err := r.repo.ListStaleSandboxes(ctx, r.maxAge)
	if err != nil {
		slog.Error("sandbox reconciler failed to list stale sandboxes", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	slog.Info("sandbox reconciler found stale sandboxes", "count", len(stale))
	for _, sb := range stale {
		if err := r.repo.UpdateHeartbeat(ctx, sb.SessionID, sb.SandboxID, domain.SandboxStatusStopped, time.Now()); err != nil {
			slog.Error("sandbox reconciler failed to force stopped status", "error", err, "session_id", sb.SessionID)
			continue
		}
		slog.Warn("sandbox forced to stopped after heartbeat staleness", "session_id", sb.SessionID, "last_heartbeat", sb.LastHeartbeat)
		if r.onStale != nil {
			r.onStale(sb.SessionID)
		}
	}
}
