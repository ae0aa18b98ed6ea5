package obss

import (
	"fmt"
	"time"

	"github.com/teris-io/shortid"

	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

// StartCalibrationGenerator launches the background thread that produces
// one Calibration plan per day at local noon for any OBSS with
// autoBias/autoDark enabled. These
// plans carry priority = INT_MAX, a 23-hour window, no coordinate, and
// bypass the safety gate (planstore.Plan.IsCalibration).
func (o *OBSS) StartCalibrationGenerator(store *planstore.Store) {
	if !o.Params.AutoBias && !o.Params.AutoDark {
		return
	}
	go o.runCalibrationGenerator(store)
}

func (o *OBSS) runCalibrationGenerator(store *planstore.Store) {
	for {
		now := timeNow()
		next := nextLocalNoonFor(now, o.Params.TZOffsetHours)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-o.quit:
			timer.Stop()
			return
		case t := <-timer.C:
			if o.Params.AutoBias {
				store.Add(o.newCalibrationPlan(wire.ImgBias, t))
			}
			if o.Params.AutoDark {
				store.Add(o.newCalibrationPlan(wire.ImgDark, t))
			}
		}
	}
}

func (o *OBSS) newCalibrationPlan(kind wire.ImgType, at time.Time) *planstore.Plan {
	sid, err := shortid.Generate()
	if err != nil {
		sid = fmt.Sprintf("%d", at.UnixNano())
	}
	return &planstore.Plan{
		PlanSN:   fmt.Sprintf("%s_%s_%s", at.Format("20060102"), sid, kind.String()),
		PlanType: "calibration",
		ObsType:  "calibration",
		GID:      o.Params.GID,
		UID:      o.Params.UID,
		ImgType:  kind,
		Lon:      planstore.NoCoordinate,
		Lat:      planstore.NoCoordinate,
		ExpDur:   o.Params.AutoExpDur,
		FrmCnt:   o.Params.AutoFrmCnt,
		LoopCnt:  1,
		Priority: maxInt,
		TmBegin:  at,
		TmEnd:    at.Add(23 * time.Hour),
		State:    wire.StateCataloged,
	}
}

const maxInt = int(^uint(0) >> 1)

func nextLocalNoonFor(now time.Time, tzOffsetHours float64) time.Time {
	loc := time.FixedZone("site", int(tzOffsetHours*3600))
	local := now.In(loc)
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, loc)
	if !noon.After(local) {
		noon = noon.AddDate(0, 0, 1)
	}
	return noon.In(time.UTC)
}
