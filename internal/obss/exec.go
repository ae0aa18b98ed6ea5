package obss

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"obsysd/internal/astro"
	"obsysd/internal/planstore"
	"obsysd/internal/wire"
	"obsysd/internal/wire/fixedfield"
	"obsysd/internal/wire/kv"
)

// beginExecution starts the slew→expose→readout sequence for a newly
// dispatched plan. It runs off the mailbox goroutine (spawned, not
// enqueued) and only issues the first command: the exposure for bias/dark,
// otherwise the mirror-cover open and the slew.
func (o *OBSS) beginExecution(p *planstore.Plan) {
	go func() {
		if p.ImgType == wire.ImgBias || p.ImgType == wire.ImgDark {
			// No pointing for bias/dark: go straight to exposure.
			o.startExposure(p)
			return
		}
		o.openMirrorCovers()
		raDeg, decDeg := o.targetForStep(p)
		o.sendSlew(raDeg, decDeg)
		o.Log.Info("slew issued", "plan_sn", p.PlanSN,
			"ra", astro.FormatRADeg(raDeg), "dec", astro.FormatDecDeg(decDeg))
		// Arrival confirmation, exposure start, flat reslew, and completion
		// are driven by mount/camera state-transition events arriving on the
		// mailbox (OnMountState/OnCameraState below); this goroutine's job
		// ends at issuing the initial command.
	}()
}

// targetForStep computes the equatorial coordinates to slew to for the
// current step of p: the plan's own target for object/focus exposures, or a
// fresh random zenith-adjacent point for flats.
func (o *OBSS) targetForStep(p *planstore.Plan) (raDeg, decDeg float64) {
	if p.ImgType != wire.ImgFlat {
		return p.Lon, p.Lat
	}
	return o.randomFlatTarget(timeNow())
}

// randomFlatTarget picks alt in [80,85) degrees and azimuth in the eastern
// quadrant before local noon / western quadrant after,
// then converts to equatorial coordinates via the site's LST.
func (o *OBSS) randomFlatTarget(now time.Time) (raDeg, decDeg float64) {
	alt := 80 + rand.Float64()*5
	var az float64
	localHour := now.Add(time.Duration(o.Params.TZOffsetHours * float64(time.Hour))).Hour()
	if localHour < 12 {
		az = 45 + rand.Float64()*45 // eastern quadrant
	} else {
		az = 225 + rand.Float64()*45 // western quadrant
	}
	site := astro.Site{LatDeg: o.Params.SiteLatDeg, LonDeg: o.Params.SiteLonDeg}
	return astro.Horizon2Eq(az, alt, site, now)
}

func (o *OBSS) sendSlew(raDeg, decDeg float64) {
	o.mu.Lock()
	m := o.mount
	homeSync := o.Params.UseHomeSync && !o.homeSynced
	o.homeSynced = true
	o.mu.Unlock()
	if m == nil || m.Sender == nil {
		return
	}
	if homeSync {
		o.sendHomeSync(raDeg, decDeg)
	}
	m.lastCommandedRA, m.lastCommandedDec = raDeg, decDeg
	if o.Params.FixedFieldMount {
		send(m.Sender, []byte(fixedfield.EncodeSlew(o.Params.GID, o.Params.UID, raDeg, decDeg)+"\n"), false)
		return
	}
	send(m.Sender, o.kvFrame("slew", "", kv.Ff("ra", raDeg), kv.Ff("dec", decDeg)), false)
}

// OnMountState handles a mount device-state transition. It confirms slew
// arrival, applies the mount-excursion rule while TRACKING, and forces
// park+abort on an unsafe position.
func (o *OBSS) OnMountState(newState DeviceState, reportedRA, reportedDec float64) {
	o.enqueue(func() {
		o.mu.Lock()
		m := o.mount
		p := o.planNow
		tol := o.Params.SlewToleranceArcmin
		o.mu.Unlock()
		if m == nil {
			return
		}
		prevState := m.State
		m.State = newState

		if newState != DeviceParked && o.isBelowLimit(reportedRA, reportedDec) {
			o.Log.Error("mount below altitude limit, forcing park",
				"gid", o.Params.GID, "uid", o.Params.UID,
				"cause", errors.Wrap(ErrSafetyVeto, "reported position below altitude limit"))
			o.sendPark()
			if p != nil {
				o.requestAbort(p, wire.StateAbandoned)
			}
			return
		}
		if newState == DeviceTracking && prevState != DeviceTracking && p != nil {
			o.confirmArrival(p, m, reportedRA, reportedDec, tol)
			return
		}
		if newState == DeviceTracking && p != nil {
			o.checkExcursion(m, reportedRA, reportedDec, tol)
		}
	})
}

// OnMountPosition handles a live pointing report (the fixed-field dialect's
// currentpos frame) without a state change: it applies the same
// below-horizon and excursion rules as OnMountState.
func (o *OBSS) OnMountPosition(reportedRA, reportedDec float64) {
	o.enqueue(func() {
		o.mu.Lock()
		m := o.mount
		p := o.planNow
		tol := o.Params.SlewToleranceArcmin
		o.mu.Unlock()
		if m == nil {
			return
		}
		if m.State != DeviceParked && o.isBelowLimit(reportedRA, reportedDec) {
			o.Log.Error("mount below altitude limit, forcing park",
				"gid", o.Params.GID, "uid", o.Params.UID,
				"cause", errors.Wrap(ErrSafetyVeto, "reported position below altitude limit"))
			o.sendPark()
			if p != nil {
				o.requestAbort(p, wire.StateAbandoned)
			}
			return
		}
		if m.State == DeviceTracking && p != nil {
			o.checkExcursion(m, reportedRA, reportedDec, tol)
		}
	})
}

// isBelowLimit reports whether an equatorial pointing is under the site's
// altitude limit right now; such a position while not parking forces park
// and aborts the plan.
func (o *OBSS) isBelowLimit(raDeg, decDeg float64) bool {
	if math.IsNaN(raDeg) || math.IsNaN(decDeg) {
		return false // frame carried no position
	}
	site := astro.Site{LatDeg: o.Params.SiteLatDeg, LonDeg: o.Params.SiteLonDeg}
	_, alt := astro.Eq2Horizon(raDeg, decDeg, site, timeNow())
	return alt < o.Params.AltLimitDeg
}

func (o *OBSS) confirmArrival(p *planstore.Plan, m *Device, reportedRA, reportedDec, tolArcmin float64) {
	if p.ImgType == wire.ImgBias || p.ImgType == wire.ImgDark || p.ImgType == wire.ImgFlat {
		o.startExposure(p)
		return
	}
	if math.IsNaN(reportedRA) || math.IsNaN(reportedDec) {
		// Tracking reached but the frame carried no position; wait for the
		// next positioned report before gating arrival.
		m.State = DeviceSlewing
		return
	}
	errDeg := greatCircleDistanceDeg(m.lastCommandedRA, m.lastCommandedDec, reportedRA, reportedDec)
	if errDeg*60 <= tolArcmin {
		o.startExposure(p)
		return
	}
	o.Log.Warn("arrival error exceeds tolerance, aborting", "plan_sn", p.PlanSN,
		"error_arcmin", errDeg*60, "cause", errors.Wrap(ErrSafetyVeto, "arrival error beyond tolerance"))
	o.requestAbort(p, wire.StateAbandoned)
}

// checkExcursion handles a pointing excursion: if a TRACKING mount reports
// a position off by more than 2x the slew tolerance from the last
// commanded target, the running plan is aborted without auto-resume.
func (o *OBSS) checkExcursion(m *Device, reportedRA, reportedDec, tolArcmin float64) {
	if math.IsNaN(reportedRA) || math.IsNaN(reportedDec) {
		return
	}
	errArcmin := greatCircleDistanceDeg(m.lastCommandedRA, m.lastCommandedDec, reportedRA, reportedDec) * 60
	if errArcmin > 2*tolArcmin {
		o.mu.Lock()
		p := o.planNow
		o.mu.Unlock()
		if p != nil {
			o.Log.Error("mount excursion detected, aborting without resume", "plan_sn", p.PlanSN,
				"error_arcmin", errArcmin, "cause", errors.Wrap(ErrSafetyVeto, "mount excursion beyond 2x tolerance"))
			o.requestAbort(p, wire.StateAbandoned)
		}
	}
}

// requestAbort asks the running plan to stop and records the terminal state
// it should reach. When at least one camera is mid-exposure the terminal
// state is observed later, as the cameras drain back to IDLE; with no busy
// camera there is no transition left to wait for, so completion is driven
// directly (and any waiting plan promoted) instead of stalling forever.
// A target already recorded by an earlier abort is kept.
func (o *OBSS) requestAbort(p *planstore.Plan, target wire.PlanState) {
	o.mu.Lock()
	if o.planNow != p {
		o.mu.Unlock()
		return
	}
	if !o.hasAbortTarget {
		o.abortTarget = target
		o.hasAbortTarget = true
	}
	abortFn := o.abortFn
	busy := o.anyCameraBusyLocked()
	o.mu.Unlock()

	if abortFn != nil {
		abortFn(o)
	} else {
		o.abortDownstream()
	}
	if !busy {
		o.completeExecution(p)
	}
}

func (o *OBSS) anyCameraBusyLocked() bool {
	for _, d := range o.cameras {
		if d.State == DeviceExposing || d.State == DeviceWaitingFlat {
			return true
		}
	}
	return false
}

// isGuideCamera reports whether cid is one of the designated FFoV guiding
// cameras — by convention those whose cid is a multiple of 5.
func isGuideCamera(cid string) bool {
	n, err := strconv.Atoi(cid)
	if err != nil {
		return false
	}
	return n%5 == 0
}

// startExposure sends one expose START, carrying p's expdur and frmcnt, to
// each selected camera. It does not step through p's filters or loops and
// emits no per-frame object descriptor. For `mon`/`toa` obstypes it
// initially exposes only guiding cameras and promotes to all cameras once a
// guide reports convergence (OnGuideConverged).
func (o *OBSS) startExposure(p *planstore.Plan) {
	o.mu.Lock()
	cams := make([]*Device, 0, len(o.cameras))
	gwac := p.ObsType == "mon" || p.ObsType == "toa"
	for cid, d := range o.cameras {
		if gwac && !isGuideCamera(cid) {
			continue
		}
		cams = append(cams, d)
	}
	o.mu.Unlock()

	for _, d := range cams {
		if d.Sender == nil {
			continue
		}
		d.Sender.Send(o.kvFrame("expose", d.CID,
			kv.Fi("command", int(wire.ExposeStart)),
			kv.Ff("expdur", p.ExpDur),
			kv.Fi("frmcnt", p.FrmCnt)))
		d.State = DeviceExposing
	}
}

// OnGuideConverged promotes a mon/toa plan from guide-only to all-cameras
// exposure once the guide camera subset reports convergence.
func (o *OBSS) OnGuideConverged(p *planstore.Plan) {
	o.enqueue(func() {
		o.mu.Lock()
		cams := make([]*Device, 0, len(o.cameras))
		for cid, d := range o.cameras {
			if !isGuideCamera(cid) && d.State != DeviceExposing {
				cams = append(cams, d)
			}
		}
		o.mu.Unlock()

		for _, d := range cams {
			if d.Sender == nil {
				continue
			}
			d.Sender.Send(o.kvFrame("expose", d.CID,
				kv.Fi("command", int(wire.ExposeStart)),
				kv.Ff("expdur", p.ExpDur),
				kv.Fi("frmcnt", p.FrmCnt)))
			d.State = DeviceExposing
		}
	})
}

// OnCameraState handles a camera device-state transition. When every camera
// returns to IDLE the plan completes (OVER); when every exposing camera
// reports WAITING_FLAT simultaneously, a flat reslew cycle begins.
func (o *OBSS) OnCameraState(cid string, newState DeviceState) {
	o.enqueue(func() {
		o.mu.Lock()
		d, ok := o.cameras[cid]
		if !ok {
			o.mu.Unlock()
			return
		}
		d.State = newState
		p := o.planNow
		allIdle := p != nil
		allWaitingFlat := len(o.cameras) > 0
		for _, c := range o.cameras {
			if c.State != DeviceIdle {
				allIdle = false
			}
			if c.State != DeviceWaitingFlat {
				allWaitingFlat = false
			}
		}
		o.mu.Unlock()

		if p == nil {
			return
		}
		if allWaitingFlat && p.ImgType == wire.ImgFlat {
			raDeg, decDeg := o.randomFlatTarget(timeNow())
			o.sendSlew(raDeg, decDeg)
			return
		}
		if allIdle {
			o.completeExecution(p)
		}
	})
}

func (o *OBSS) completeExecution(p *planstore.Plan) {
	o.mu.Lock()
	if o.planNow != p {
		o.mu.Unlock()
		return
	}
	if o.hasAbortTarget {
		p.State = o.abortTarget
		o.hasAbortTarget = false
	} else {
		p.State = wire.StateOver
	}
	o.planNow = nil
	if o.planWait != nil {
		promoted := o.planWait
		promoted.State = wire.StateRunning
		promoted.TmBegin = timeNow()
		o.planWait = nil
		o.planNow = promoted
		o.mu.Unlock()
		o.beginExecution(promoted)
		return
	}
	o.mu.Unlock()
	o.signalAcquire()
}
