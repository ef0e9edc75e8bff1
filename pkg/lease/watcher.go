package lease

import (
	"context"
	"time"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// ExpireDue expires every ACTIVE lease whose soft expiry, expires_at minus
// the governance buffer, is at or before now. A lease another writer changed
// in the meantime is skipped; a lease the halt gate preempts ends HALTED.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) ([]*engine.Lease, error) {
	active, err := m.store.ListLeases(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive}})
	if err != nil {
		return nil, err
	}

	var expired []*engine.Lease
	for _, l := range active {
		if l.ExpiresAt == nil || now.Before(l.SoftExpiry()) {
			continue
		}

		next, err := m.Expire(ctx, l.ID, l.StateLockHash)
		switch {
		case err == nil:
			expired = append(expired, next)
		case engine.IsStaleWrite(err):
			m.logger.Debug().Str("lease_id", l.ID).Msg("Lease changed before expiry, skipping")
		case engine.IsHalted(err):
			m.logger.Warn().Str("lease_id", l.ID).Msg("Halt preempted expiry")
		default:
			return expired, err
		}
	}
	return expired, nil
}

// NextSoftExpiry returns the earliest soft expiry among ACTIVE leases.
func (m *Manager) NextSoftExpiry(ctx context.Context) (time.Time, bool, error) {
	active, err := m.store.ListLeases(ctx, engine.LeaseFilter{States: []engine.LeaseState{engine.LeaseStateActive}})
	if err != nil {
		return time.Time{}, false, err
	}

	var next time.Time
	found := false
	for _, l := range active {
		if l.ExpiresAt == nil {
			continue
		}
		if soft := l.SoftExpiry(); !found || soft.Before(next) {
			next, found = soft, true
		}
	}
	return next, found, nil
}

// RunExpiryWatcher checks for due soft expiries every interval, and exactly at
// the earliest known soft expiry, until ctx is done.
func (m *Manager) RunExpiryWatcher(ctx context.Context, interval time.Duration) {
	m.logger.Info().Dur("interval", interval).Msg("Expiry watcher started")
	defer m.logger.Info().Msg("Expiry watcher stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wait := interval
		if at, ok, err := m.NextSoftExpiry(ctx); err == nil && ok {
			if d := at.Sub(m.now()); d < wait {
				wait = max(d, 0)
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-ticker.C:
		case <-timer.C:
		}
		timer.Stop()

		if _, err := m.ExpireDue(ctx, m.now()); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("Expiry check failed")
		}
	}
}
