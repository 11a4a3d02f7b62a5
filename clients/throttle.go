package clients

import (
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"
)

const (
	throttlePercentStep = 5
	throttleInterval    = 3 * time.Second
	// Entries self-expire so a crash mid-job can't leak them forever.
	throttleEntryTTL = time.Hour
)

type throttleEntry struct {
	lastPercent int
	lastSentAt  time.Time
}

// Throttler collapses bursty per-job progress events into milestone events.
// A progress event passes when the percent advanced by at least 5 points,
// at least 3 s elapsed since the previous send, the percent is exactly 100,
// or both the new and previous percent are 0 (the initial start signal).
// Terminal events always pass and evict the entry.
type Throttler struct {
	clock   clock.Clock
	entries *gocache.Cache
}

func NewThrottler(clk clock.Clock) *Throttler {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttler{
		clock:   clk,
		entries: gocache.New(throttleEntryTTL, 10*time.Minute),
	}
}

// ShouldSend applies the suppression rules and, when the event passes,
// records it as sent.
func (t *Throttler) ShouldSend(ev WebhookEvent) bool {
	if ev.terminal() {
		t.entries.Delete(ev.JobID)
		return true
	}

	now := t.clock.Now()
	prev, found := t.entries.Get(ev.JobID)
	if !found {
		t.mark(ev.JobID, ev.Progress, now)
		return true
	}
	entry := prev.(throttleEntry)

	send := ev.Progress-entry.lastPercent >= throttlePercentStep ||
		now.Sub(entry.lastSentAt) >= throttleInterval ||
		ev.Progress == 100 ||
		(ev.Progress == 0 && entry.lastPercent == 0)

	if send {
		t.mark(ev.JobID, ev.Progress, now)
	}
	return send
}

func (t *Throttler) mark(jobID string, percent int, at time.Time) {
	t.entries.Set(jobID, throttleEntry{lastPercent: percent, lastSentAt: at}, throttleEntryTTL)
}
