package scheduler

import "time"

// NextInterval computes the next fire strictly after now on an anchored
// interval grid. If the anchor is in the future it fires at the anchor.
func NextInterval(anchor, now time.Time, interval time.Duration) time.Time {
	if anchor.After(now) {
		return anchor
	}
	intervalMs := interval.Milliseconds()
	if intervalMs <= 0 {
		intervalMs = 1
	}
	// Ceil((now - anchor + 1ms) / interval) steps past the anchor lands
	// strictly after now.
	deltaMs := now.Sub(anchor).Milliseconds() + 1
	steps := (deltaMs + intervalMs - 1) / intervalMs
	return anchor.Add(time.Duration(steps*intervalMs) * time.Millisecond)
}

// NextDaily computes the next HH:MM fire in the declared timezone. When
// today's instant has already passed (or is exactly now), it advances a full
// calendar day; the timezone is authoritative across DST gaps.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	fire := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}

// InitialFire computes the first next_run_at for a newly registered job.
// Interval jobs first fire one full interval after registration so a fleet
// restart does not stampede every job at once.
func InitialFire(def Definition, now time.Time) time.Time {
	switch def.Kind {
	case KindDaily:
		return NextDaily(now, def.Hour, def.Minute, def.Location())
	default:
		return now.Add(def.Interval)
	}
}

// NextFire computes the fire after a terminal completion at now, anchored at
// the previous scheduled instant so interval jobs keep their grid.
func NextFire(def Definition, previous *time.Time, now time.Time) time.Time {
	switch def.Kind {
	case KindDaily:
		return NextDaily(now, def.Hour, def.Minute, def.Location())
	default:
		anchor := now
		if previous != nil {
			anchor = *previous
		}
		return NextInterval(anchor, now, def.Interval)
	}
}
