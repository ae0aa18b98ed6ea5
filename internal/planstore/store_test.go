package planstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obsysd/internal/wire"
)

func mkPlan(sn string, priority int, gid, uid string) *Plan {
	return &Plan{
		PlanSN:   sn,
		Priority: priority,
		GID:      gid,
		UID:      uid,
		State:    wire.StateCataloged,
		ImgType:  wire.ImgObject,
		ExpDur:   10,
		FrmCnt:   1,
		LoopCnt:  1,
		TmBegin:  time.Now(),
		TmEnd:    time.Now().Add(time.Hour),
	}
}

func TestAddRejectsNonCataloged(t *testing.T) {
	s := New(nil)
	p := mkPlan("A", 10, "001", "01")
	p.State = wire.StateRunning
	assert.False(t, s.Add(p))
}

func TestAddDedupesByPlanSN(t *testing.T) {
	s := New(nil)
	p := mkPlan("A", 10, "001", "01")
	assert.True(t, s.Add(p))
	assert.False(t, s.Add(mkPlan("A", 99, "001", "01")))
	assert.Equal(t, 1, s.Len())
}

func TestPriorityOrdering(t *testing.T) {
	s := New(nil)
	require.True(t, s.Add(mkPlan("low", 5, "001", "01")))
	require.True(t, s.Add(mkPlan("high", 20, "001", "01")))
	require.True(t, s.Add(mkPlan("mid", 10, "001", "01")))
	require.True(t, s.Add(mkPlan("mid2", 10, "001", "01")))

	s.BeginIter("", "")
	var order []string
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		order = append(order, p.PlanSN)
	}
	assert.Equal(t, []string{"high", "mid", "mid2", "low"}, order)
}

func TestIterWildcardMatch(t *testing.T) {
	s := New(nil)
	require.True(t, s.Add(mkPlan("A", 10, "001", "01")))
	require.True(t, s.Add(mkPlan("B", 10, "002", "01")))

	s.BeginIter("001", "")
	p, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "A", p.PlanSN)
	_, ok = s.Next()
	assert.False(t, ok)
}

func TestIterSkipsPastInterrupted(t *testing.T) {
	s := New(nil)
	running := mkPlan("R", 10, "001", "01")
	running.State = wire.StateRunning
	require.True(t, s.Add(mkPlan("C", 5, "001", "01")))
	s.byID["R"] = running
	s.order = append(s.order, running)

	s.BeginIter("001", "01")
	p, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "C", p.PlanSN)
	_, ok = s.Next()
	assert.False(t, ok)
}

type fakeSink struct {
	reports []wire.PlanState
}

func (f *fakeSink) ReportPlanState(p *Plan, old wire.PlanState) {
	f.reports = append(f.reports, p.State)
}

func TestSweepAbandonsAndRemoves(t *testing.T) {
	sink := &fakeSink{}
	s := New(sink)
	now := time.Now()

	over := mkPlan("over", 1, "001", "01")
	over.State = wire.StateOver
	s.byID["over"] = over
	s.order = append(s.order, over)

	short := mkPlan("short", 1, "001", "01")
	short.TmEnd = now.Add(5 * time.Second)
	short.ExpDur = 60
	s.byID["short"] = short
	s.order = append(s.order, short)

	s.Sweep(now)

	assert.Equal(t, wire.StateAbandoned, short.State)
	assert.Len(t, sink.reports, 1)
	assert.Equal(t, 0, s.Len())
}

func TestCompleteCheckRejectsShortResidual(t *testing.T) {
	p := mkPlan("A", 1, "001", "01")
	p.ExpDur = 10
	p.FrmCnt = 10
	p.LoopCnt = 1
	now := time.Now()
	p.TmEnd = now.Add(p.Period() - time.Second)
	assert.Error(t, CompleteCheck(p, now))
}

func TestCompleteCheckAccepts(t *testing.T) {
	p := mkPlan("A", 1, "001", "01")
	now := time.Now()
	p.TmEnd = now.Add(p.Period() + time.Minute)
	assert.NoError(t, CompleteCheck(p, now))
}

func TestIterYieldsWildcardTargetedPlans(t *testing.T) {
	s := New(nil)
	require.True(t, s.Add(mkPlan("ANY", 10, "", "")))

	s.BeginIter("001", "01")
	p, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "ANY", p.PlanSN)
}

func TestClaimReservesPlanOnce(t *testing.T) {
	s := New(nil)
	p := mkPlan("C", 10, "001", "")
	require.True(t, s.Add(p))

	require.True(t, s.Claim(p, "001", "01"))
	assert.Equal(t, wire.StateWaiting, p.State)
	assert.Equal(t, "01", p.UID, "empty identity binds to the claimant")

	// A second unit racing to the same plan loses the claim.
	assert.False(t, s.Claim(p, "001", "02"))
	assert.Equal(t, "01", p.UID)
}
