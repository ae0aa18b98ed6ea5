package obss

import (
	"math"
	"time"
)

// GetPriority computes the OBSS's effective priority, used by the
// federation to decide whether a client-submitted "implement now" plan may
// displace this OBSS.
func (o *OBSS) GetPriority(now time.Time) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getPriorityLocked(now)
}

func (o *OBSS) getPriorityLocked(now time.Time) float64 {
	if o.mode != ModeAuto {
		return math.Inf(1)
	}
	if o.planWait != nil {
		return float64(o.planWait.Priority)
	}
	if o.planNow == nil {
		return 0
	}
	p := o.planNow
	T := p.Period()
	dt := now.Sub(p.TmBegin)
	if T <= 0 {
		return float64(p.Priority)
	}
	if float64(dt) >= 0.7*float64(T) {
		return 4 * float64(p.Priority)
	}
	remaining := float64(T) - float64(dt)
	if remaining <= 0 {
		return 4 * float64(p.Priority)
	}
	return float64(p.Priority) * float64(T) / remaining
}
