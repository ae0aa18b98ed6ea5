// Package federation implements the federation controller:
// the single instance owning all OBSSs, the plan store, and the environment
// aggregator, routing decoded messages by (gid, uid, cid) and arbitrating
// urgent plans via try_implement_plan.
//
// The Controller composes its sub-collaborators behind a small set of
// public operations and is constructed once per process by
// cmd/obsysd/main.go.
package federation

import (
	"math"
	"sync"
	"time"

	"obsysd/internal/ids"
	"obsysd/internal/obss"
	"obsysd/internal/planstore"
)

// Logger is the narrow logging capability the controller depends on.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Controller is the federation controller.
type Controller struct {
	Store *planstore.Store
	Log   Logger

	mu    sync.RWMutex
	byKey map[string]*obss.OBSS // keyed by gid+"/"+uid
	order []*obss.OBSS          // stable iteration order for fan-out/scan

	allowed func(gid, uid string) bool      // config-driven admission for lazy OBSS creation
	factory func(gid, uid string) *obss.OBSS // builds an OBSS for a permitted identity
}

// New constructs a Controller over the given plan store.
func New(store *planstore.Store, log Logger) *Controller {
	if log == nil {
		log = noopLogger{}
	}
	return &Controller{
		Store: store,
		Log:   log,
		byKey: make(map[string]*obss.OBSS),
	}
}

// SetAllowed installs the config-driven predicate gating lazy OBSS
// creation: only permitted identities ever get an OBSS.
func (c *Controller) SetAllowed(fn func(gid, uid string) bool) { c.allowed = fn }

// SetFactory installs the constructor used for lazy OBSS creation. The
// returned OBSS must be ready to Start; the controller registers it, wires
// its acquisition callback, and starts it.
func (c *Controller) SetFactory(fn func(gid, uid string) *obss.OBSS) { c.factory = fn }

func key(gid, uid string) string { return gid + "/" + uid }

// Register adds a pre-constructed OBSS to the federation (used at startup,
// one per configured ObservationSystem group/unit).
func (c *Controller) Register(o *obss.OBSS, gid, uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(gid, uid)
	if _, exists := c.byKey[k]; exists {
		return
	}
	c.byKey[k] = o
	c.order = append(c.order, o)
	o.RegisterAcquirePlan(c.acquirePlanFor(o))
}

// Lookup returns the OBSS for an exact (gid, uid) without creating one.
func (c *Controller) Lookup(gid, uid string) (*obss.OBSS, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.byKey[key(gid, uid)]
	return o, ok
}

// LookupOrCreate returns the OBSS for an exact (gid, uid), creating it
// lazily on the first message from a device of a permitted identity.
// Returns (nil, false) for identities the config does not permit or when
// no factory is installed.
func (c *Controller) LookupOrCreate(gid, uid string) (*obss.OBSS, bool) {
	if o, ok := c.Lookup(gid, uid); ok {
		return o, true
	}
	if c.factory == nil || (c.allowed != nil && !c.allowed(gid, uid)) {
		return nil, false
	}
	o := c.factory(gid, uid)
	if o == nil {
		return nil, false
	}

	c.mu.Lock()
	k := key(gid, uid)
	if existing, ok := c.byKey[k]; ok {
		c.mu.Unlock()
		return existing, true // lost the race to another connection
	}
	c.byKey[k] = o
	c.order = append(c.order, o)
	o.RegisterAcquirePlan(c.acquirePlanFor(o))
	c.mu.Unlock()

	o.Start()
	c.Log.Info("obss created", "gid", gid, "uid", uid)
	return o, true
}

// CloseSlit fans a critical slit-close command out to every OBSS of a
// group.
func (c *Controller) CloseSlit(gid string) {
	c.FanOut(gid, "", func(o *obss.OBSS) { o.CommandSlit(false) })
}

// OpenSlit fans a slit-open command out to every OBSS of a group; callers
// gate on environment safety first.
func (c *Controller) OpenSlit(gid string) {
	c.FanOut(gid, "", func(o *obss.OBSS) { o.CommandSlit(true) })
}

// Matching returns every registered OBSS whose (gid, uid) matches the query
// under the wildcard rule, used for command fan-out and try_implement_plan scanning.
func (c *Controller) Matching(gid, uid string) []*obss.OBSS {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*obss.OBSS
	for _, o := range c.order {
		if ids.MatchGU(gid, uid, o.Params.GID, o.Params.UID) {
			out = append(out, o)
		}
	}
	return out
}

// FanOut invokes fn on every OBSS matching the wildcard (gid, uid), e.g.
// "close slits in group 001".
func (c *Controller) FanOut(gid, uid string, fn func(*obss.OBSS)) {
	for _, o := range c.Matching(gid, uid) {
		fn(o)
	}
}

// AppendPlan runs the admission gate and submits the plan to the store.
// A plan failing CompleteCheck (missing plan_sn, unknown imgtype, negative
// expdur, zero frmcnt, or a residual window shorter than its period) is
// rejected and never enters the store.
func (c *Controller) AppendPlan(p *planstore.Plan) bool {
	if err := planstore.CompleteCheck(p, time.Now()); err != nil {
		c.Log.Warn("plan rejected by admission check", "plan_sn", p.PlanSN, "err", err)
		return false
	}
	return c.Store.Add(p)
}

// ImplementPlan submits a plan through the same admission gate and
// immediately attempts preemptive dispatch via TryImplementPlan.
func (c *Controller) ImplementPlan(p *planstore.Plan) bool {
	if !c.AppendPlan(p) {
		return false
	}
	c.TryImplementPlan(p, time.Now())
	return true
}

// AbortPlan finds the plan by plan_sn and asks its owning OBSS to abort
// it.
func (c *Controller) AbortPlan(planSN string) bool {
	p, ok := c.Store.Find(planSN)
	if !ok {
		return false
	}
	for _, o := range c.Matching(p.GID, p.UID) {
		if o.PlanNow() == p || o.PlanWait() == p {
			o.AbortPlan(p)
			return true
		}
	}
	return false
}

// CheckPlan reports the current state of a plan by plan_sn.
func (c *Controller) CheckPlan(planSN string) (*planstore.Plan, bool) {
	return c.Store.Find(planSN)
}

// TryImplementPlan scans OBSSs matching (plan.gid, plan.uid), picks the one
// with the minimum effective priority strictly below plan.priority that
// passes IsSafePoint, and invokes NotifyPlan on it. If none
// qualifies the plan remains CATALOGED for the acquisition loop.
func (c *Controller) TryImplementPlan(p *planstore.Plan, now time.Time) bool {
	candidates := c.Matching(p.GID, p.UID)
	var best *obss.OBSS
	bestPriority := math.Inf(1)
	for _, o := range candidates {
		eff := o.GetPriority(now)
		if eff >= float64(p.Priority) {
			continue
		}
		if !o.IsSafePoint(p, now) {
			continue
		}
		if eff < bestPriority {
			best = o
			bestPriority = eff
		}
	}
	if best == nil {
		return false
	}
	best.NotifyPlan(p)
	return true
}

// acquirePlanFor returns the AcquirePlanFunc installed on o: it scans the
// store's priority-ordered iterator and returns the first plan that is
// matched, within lead time, has a residual window covering the plan's
// duration, and passes the safety gate.
func (c *Controller) acquirePlanFor(o *obss.OBSS) obss.AcquirePlanFunc {
	return func(self *obss.OBSS) (*planstore.Plan, bool) {
		now := time.Now()
		c.Store.BeginIter(self.Params.GID, self.Params.UID)
		for {
			p, ok := c.Store.Next()
			if !ok {
				return nil, false
			}
			if self.IsMatched(p.GID, p.UID) == 0 {
				continue
			}
			if p.TmBegin.Sub(now) > self.Params.TmLead {
				continue
			}
			if p.TmEnd.Sub(now) < p.Period() {
				continue
			}
			if !self.IsSafePoint(p, now) {
				continue
			}
			if !c.Store.Claim(p, self.Params.GID, self.Params.UID) {
				// Another unit claimed it between Next and here.
				continue
			}
			return p, true
		}
	}
}
