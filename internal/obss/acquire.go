package obss

import "time"

// runAcquisitionLoop wakes every two minutes or on signal. It
// only attempts acquisition when idle (plan_now == nil && plan_wait ==
// nil) and a callback is registered; the predicate itself (matched, lead
// time, residual period, safety) lives in the registered AcquirePlanFunc,
// which is normally supplied by the federation controller wrapping the
// plan store's iterator.
func (o *OBSS) runAcquisitionLoop() {
	ticker := time.NewTicker(acquisitionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-o.quit:
			return
		case <-ticker.C:
			o.tryAcquire()
		case <-o.acquireSignal:
			o.tryAcquire()
		}
	}
}

func (o *OBSS) tryAcquire() {
	o.mu.Lock()
	idle := o.planNow == nil && o.planWait == nil
	odt := o.odt
	mode := o.mode
	fn := o.acquireFn
	o.mu.Unlock()

	if !idle || fn == nil || mode != ModeAuto || odt == ODTDaytime {
		return
	}
	p, ok := fn(o)
	if !ok {
		return
	}
	o.handleNotifyPlan(p)
}
