package obss

import (
	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

// NotifyPlan delivers a newly-selected plan for immediate execution,
// implementing the preemption protocol: if a plan is already
// running, the previous plan_wait (if any) is returned to the store as
// CATALOGED, the new plan is queued as plan_wait = WAITING, and the running
// plan is asked to abort. When nothing is running, the plan starts
// immediately.
func (o *OBSS) NotifyPlan(p *planstore.Plan) {
	o.enqueue(func() { o.handleNotifyPlan(p) })
}

func (o *OBSS) handleNotifyPlan(p *planstore.Plan) {
	o.mu.Lock()
	if p.State == wire.StateRunning && o.planNow != p {
		// Already claimed and running on another unit (a dispatch race the
		// controller lost); never run one plan twice.
		o.mu.Unlock()
		return
	}
	if o.planNow == nil {
		o.bindPlanLocked(p)
		p.State = wire.StateRunning
		p.TmBegin = timeNow()
		o.planNow = p
		o.mu.Unlock()
		o.beginExecution(p)
		return
	}
	current := o.planNow

	if o.planWait != nil {
		old := o.planWait
		old.State = wire.StateCataloged
		if o.store != nil {
			// Re-add to the store's CATALOGED pool so the acquisition loop
			// can pick it back up later.
			o.store.Add(old)
		}
	}
	o.bindPlanLocked(p)
	p.State = wire.StateWaiting
	o.planWait = p
	o.mu.Unlock()

	o.requestAbort(current, wire.StateInterrupted)
}

// bindPlanLocked assigns the plan's empty identity fields to this unit at
// dispatch time. Once bound, a wildcard-targeted plan no longer matches any
// other unit's acquisition scan, so two OBSSs can never share one plan.
// Callers hold o.mu.
func (o *OBSS) bindPlanLocked(p *planstore.Plan) {
	if p.GID == "" {
		p.GID = o.Params.GID
	}
	if p.UID == "" {
		p.UID = o.Params.UID
	}
}

// AbortPlan asks the OBSS to abort the given plan. With cameras
// mid-exposure the abort is not synchronous: stop commands go downstream
// and the terminal state is observed once all cameras return to IDLE; with
// no busy camera, requestAbort resolves the plan immediately.
func (o *OBSS) AbortPlan(p *planstore.Plan) {
	o.enqueue(func() {
		o.mu.Lock()
		if o.planWait == p {
			// The wait slot never reached hardware; delete it outright.
			p.State = wire.StateDeleted
			o.planWait = nil
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.requestAbort(p, wire.StateDeleted)
	})
}

// NotifyODT delivers a new observational duration type classification
//. Crossing into/out of DAYTIME starts or stops the
// acquisition loop's effective activity by gating signalAcquire.
func (o *OBSS) NotifyODT(new ODT) {
	o.enqueue(func() {
		o.mu.Lock()
		o.odt = new
		o.mu.Unlock()
		if new != ODTDaytime {
			o.signalAcquire()
		}
	})
}

// SlitState mirrors the dome slit's reported physical state.
type SlitState int

const (
	SlitUnknown SlitState = iota
	SlitOpen
	SlitClosed
)

// NotifySlitState records the slit's reported state.
func (o *OBSS) NotifySlitState(s SlitState) {
	o.enqueue(func() {
		o.Log.Info("slit state", "gid", o.Params.GID, "uid", o.Params.UID, "state", s)
	})
}

// NotifyKVClient enqueues a decoded client message for the state machine to
// process on the mailbox.
func (o *OBSS) NotifyKVClient(handle func(*OBSS)) {
	o.enqueue(func() { handle(o) })
}

// SetParameter updates one static parameter at runtime (e.g. from a
// client's admin command); applied under the OBSS lock.
func (o *OBSS) SetParameter(apply func(*Params)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	apply(&o.Params)
}
