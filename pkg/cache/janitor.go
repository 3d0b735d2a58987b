package cache

import (
	"time"
)

// janitorIdleCheck is how often a disabled janitor rereads the interval
const janitorIdleCheck = time.Minute

// runJanitor purges expired entries from both tiers every CleanupInterval.
// Lookups already drop expired entries they meet; the janitor bounds memory
// for entries nobody reads again. A non-positive interval disables sweeps.
// The interval is reread after every sweep and on UpdateConfig.
func (m *Manager) runJanitor() {
	defer close(m.janitorDone)

	for {
		interval := m.cfg().CleanupInterval
		wait := interval
		if wait <= 0 {
			wait = janitorIdleCheck
		}
		timer := time.NewTimer(wait)

		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.reschedule:
			timer.Stop()
		case <-timer.C:
			if interval > 0 {
				m.sweep(time.Now())
			}
		}
	}
}

// sweep removes expired entries and returns how many went from each tier
func (m *Manager) sweep(now time.Time) (int, int) {
	tier1 := m.tier1.purgeExpired(now)
	tier2 := 0
	if m.tier2 != nil {
		tier2 = m.tier2.PurgeExpired(m.ctx, now)
	}

	if tier1+tier2 > 0 {
		m.metrics.IncrementCounterWithLabels("expired_total", float64(tier1), map[string]string{"tier": Tier1.String()})
		m.metrics.IncrementCounterWithLabels("expired_total", float64(tier2), map[string]string{"tier": Tier2.String()})
		m.logger.Debug("Expired entries purged", map[string]interface{}{
			"tier1": tier1,
			"tier2": tier2,
		})
	}
	return tier1, tier2
}
