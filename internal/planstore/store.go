package planstore

import (
	"sort"
	"sync"
	"time"

	"obsysd/internal/ids"
	"obsysd/internal/wire"
)

// Sink reports terminal plan transitions to the external database client.
type Sink interface {
	ReportPlanState(p *Plan, oldState wire.PlanState)
}

type nopSink struct{}

func (nopSink) ReportPlanState(*Plan, wire.PlanState) {}

// cursor is BeginIter/Next's single, mutex-guarded iteration state.
type cursor struct {
	gid, uid string
	idx      int
	active   bool
}

// Store is the priority-ordered plan set. One mutex guards both the plan
// slice and the iteration cursor; plan mutation is coarse-grained and
// low-contention, so the single lock is enough.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*Plan
	order  []*Plan // priority-descending; insertion order preserved among equal priorities
	cur    cursor
	sink   Sink
	noonAt func(time.Time) time.Time // overridable for tests
}

// New creates an empty Store. sink may be nil to discard terminal reports.
func New(sink Sink) *Store {
	if sink == nil {
		sink = nopSink{}
	}
	return &Store{
		byID:   make(map[string]*Plan),
		sink:   sink,
		noonAt: nextLocalNoon,
	}
}

// Add inserts p, accepted only when p.State == CATALOGED. A plan_sn
// already present is rejected, so re-adding the same plan is a no-op.
func (s *Store) Add(p *Plan) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State != wire.StateCataloged {
		return false
	}
	if _, exists := s.byID[p.PlanSN]; exists {
		return false
	}
	s.byID[p.PlanSN] = p

	// Insert at the first position whose next plan has strictly lower
	// priority, preserving insertion order among equal priorities.
	idx := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].Priority < p.Priority
	})
	s.order = append(s.order, nil)
	copy(s.order[idx+1:], s.order[idx:])
	s.order[idx] = p
	return true
}

// Find looks up a plan by plan_sn (case-sensitive).
func (s *Store) Find(planSN string) (*Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[planSN]
	return p, ok
}

// BeginIter starts a single-cursor scan over plans with state <=
// INTERRUPTED whose (gid, uid) matches the query under the wildcard rule.
// A prior unfinished iteration is implicitly abandoned; the iterator is
// not reentrant and concurrent callers serialize on the store lock.
func (s *Store) BeginIter(gid, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = cursor{gid: gid, uid: uid, idx: 0, active: true}
}

// Next returns the next matching plan, or (nil, false) when exhausted.
func (s *Store) Next() (*Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cur.active {
		return nil, false
	}
	for s.cur.idx < len(s.order) {
		p := s.order[s.cur.idx]
		s.cur.idx++
		if p.State > wire.StateInterrupted {
			continue
		}
		if !ids.MatchEither(s.cur.gid, s.cur.uid, p.GID, p.UID) {
			continue
		}
		return p, true
	}
	s.cur.active = false
	return nil, false
}

// Claim atomically reserves a reselectable plan for one unit: under the
// store lock the plan leaves the reselectable pool (state -> WAITING) and
// its empty identity fields bind to the claimant, so a concurrent scan on
// another unit can neither match nor re-claim it between selection and
// dispatch. Returns false if the plan was claimed first by someone else.
func (s *Store) Claim(p *Plan, gid, uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.State.Reselectable() {
		return false
	}
	p.State = wire.StateWaiting
	if p.GID == "" {
		p.GID = gid
	}
	if p.UID == "" {
		p.UID = uid
	}
	return true
}

// Sweep performs one pass of the daily sweep: under the lock, any plan
// with tmend-now < period and state <= INTERRUPTED is transitioned to
// ABANDONED and reported, then every terminal (>= OVER) plan is removed
// from the store.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.order {
		if p.State <= wire.StateInterrupted && p.TmEnd.Sub(now) < p.Period() {
			old := p.State
			p.State = wire.StateAbandoned
			s.sink.ReportPlanState(p, old)
		}
	}

	kept := s.order[:0]
	for _, p := range s.order {
		if p.State.Terminal() {
			delete(s.byID, p.PlanSN)
			continue
		}
		kept = append(kept, p)
	}
	s.order = kept
}

// RunDailySweep blocks until stop closes, invoking Sweep once at every
// local noon boundary. Intended to run in its own goroutine, one per
// federation instance.
func (s *Store) RunDailySweep(stop <-chan struct{}, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	for {
		now := clock()
		next := s.noonAt(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case t := <-timer.C:
			s.Sweep(t)
		}
	}
}

func nextLocalNoon(now time.Time) time.Time {
	noon := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())
	if !noon.After(now) {
		noon = noon.AddDate(0, 0, 1)
	}
	return noon
}

// Len reports the number of plans currently held (test/observability helper).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
