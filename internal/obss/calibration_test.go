package obss

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

func TestCalibrationPlanShape(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", AutoBias: true, AutoFrmCnt: 10, AutoExpDur: 10}, planstore.New(nil), nil)
	at := time.Date(2026, 8, 1, 4, 0, 0, 0, time.UTC)
	p := o.newCalibrationPlan(wire.ImgBias, at)

	assert.True(t, strings.HasPrefix(p.PlanSN, "20260801_"))
	assert.True(t, strings.HasSuffix(p.PlanSN, "_bias"))
	assert.Equal(t, maxInt, p.Priority)
	assert.Equal(t, at.Add(23*time.Hour), p.TmEnd)
	assert.Equal(t, wire.StateCataloged, p.State)
	assert.True(t, p.IsCalibration())
	assert.Equal(t, planstore.NoCoordinate, p.Lon)

	require.NoError(t, planstore.CompleteCheck(p, at))
	assert.True(t, o.IsSafePoint(p, at), "calibration bypasses the safety gate")
}

func TestNextLocalNoon(t *testing.T) {
	// 10:00 UTC at TZ +8 is 18:00 local; next local noon is tomorrow.
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	next := nextLocalNoonFor(now, 8)
	assert.Equal(t, time.Date(2026, 8, 2, 4, 0, 0, 0, time.UTC), next)

	// 02:00 UTC at TZ +8 is 10:00 local; next local noon is today at 04:00 UTC.
	now = time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC)
	next = nextLocalNoonFor(now, 8)
	assert.Equal(t, time.Date(2026, 8, 1, 4, 0, 0, 0, time.UTC), next)
}
