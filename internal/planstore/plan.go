// Package planstore implements the plan data model and the
// priority-ordered store: a mutex-guarded map plus an ordered slice, with a
// daily sweep goroutine retiring expired and terminal plans.
package planstore

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"obsysd/internal/wire"
)

var validate = validator.New()

// Plan is an immutable-after-submit description plus mutable execution
// state. Calibration plans (bias/dark) reuse this type with sentinel target
// fields rather than a separate subtype.
type Plan struct {
	// identity
	PlanSN   string
	PlanTime time.Time
	PlanType string
	ObsType  string
	Observer string
	GridID   string
	FieldID  string
	RunName  string
	ObjName  string
	PairID   string

	// target
	CoorSys  wire.CoorSys
	Lon      float64 // +Inf for calibration plans that carry no coordinate
	Lat      float64
	Epoch    float64
	Line1    string // orbital TLE
	Line2    string
	ObjRA    float64
	ObjDec   float64
	ObjEpoch float64
	ObjError float64

	// exposure program
	ImgType wire.ImgType
	Filters []string
	ExpDur  float64 // seconds
	Delay   float64 // seconds, inter-frame
	FrmCnt  int
	LoopCnt int

	// admission
	Priority int // larger => more urgent
	TmBegin  time.Time
	TmEnd    time.Time

	// execution cursor
	IFilter int
	ILoop   int
	State   wire.PlanState
	GID     string
	UID     string
}

// NoCoordinate is the sentinel longitude (+Inf) for calibration plans that
// carry no target.
var NoCoordinate = math.Inf(1)

// Period is `expdur * frmcnt * loopcnt * max(1, len(filters))`.
func (p *Plan) Period() time.Duration {
	nf := len(p.Filters)
	if nf < 1 {
		nf = 1
	}
	secs := p.ExpDur * float64(p.FrmCnt) * float64(p.LoopCnt) * float64(nf)
	return time.Duration(secs * float64(time.Second))
}

// IsCalibration reports whether this plan is a bias/dark calibration
// generated by the OBSS rather than submitted by a client.
func (p *Plan) IsCalibration() bool {
	return p.ImgType == wire.ImgBias || p.ImgType == wire.ImgDark
}

// admission mirrors the struct-level fields CompleteCheck enforces via
// validator tags. imgtype and the residual-period check don't fit the tag
// vocabulary cleanly (a known-ordinal set and a derived duration
// comparison) and are checked explicitly below.
type admission struct {
	PlanSN string  `validate:"required"`
	ExpDur float64 `validate:"gte=0"`
	FrmCnt int     `validate:"required"`
}

// CompleteCheck is the plan admission gate: rejects a plan
// unless plan_sn is set, imgtype is a known ordinal, expdur >= 0, frmcnt !=
// 0, and the residual interval tmend-now covers one full period.
func CompleteCheck(p *Plan, now time.Time) error {
	if err := validate.Struct(admission{PlanSN: p.PlanSN, ExpDur: p.ExpDur, FrmCnt: p.FrmCnt}); err != nil {
		return errors.Wrap(errPlan("admission rule violated"), err.Error())
	}
	if _, ok := wire.ParseImgType(p.ImgType.String()); !ok {
		return errPlan("imgtype is not a known ordinal")
	}
	if p.TmEnd.Sub(now) < p.Period() {
		return errPlan("tmend-now is shorter than the plan's period")
	}
	return nil
}

type planError string

func (e planError) Error() string { return "planstore: " + string(e) }
func errPlan(msg string) error    { return planError(msg) }
