// Package obss implements the Observation System: the state machine
// coupling one mount with N cameras plus optional annex devices, and
// executing at most one plan at a time. Cross-component calls go through
// registered function hooks rather than an event bus, and device tables
// sit behind small mutexes with all state updates linearized by a mailbox
// goroutine.
package obss

import (
	"sync"
	"time"

	"obsysd/internal/ids"
	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

// Mode is the OBSS's derived operating mode.
type Mode int

const (
	ModeError Mode = iota
	ModeManual
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeManual:
		return "MANUAL"
	default:
		return "ERROR"
	}
}

// ODT is the observational duration type, sky-brightness class driven by Sun
// altitude.
type ODT int

const (
	ODTDaytime ODT = iota
	ODTFlat
	ODTNight
)

func (o ODT) String() string {
	switch o {
	case ODTNight:
		return "NIGHT"
	case ODTFlat:
		return "FLAT"
	default:
		return "DAYTIME"
	}
}

// CoupleResult is the outcome of a device coupling attempt.
type CoupleResult int

const (
	CoupleError CoupleResult = iota
	CoupleP2P
	CoupleP2H
)

// DeviceClass enumerates the fixed device taxonomy.
type DeviceClass int

const (
	ClassMount DeviceClass = iota
	ClassCamera
	ClassMountAnnex
	ClassCameraAnnex
)

// DeviceState is the coarse hardware state reported by mount/camera
// devices.
type DeviceState int

const (
	DeviceIdle DeviceState = iota
	DeviceSlewing
	DeviceTracking
	DeviceExposing
	DeviceWaitingFlat
	DeviceParked
	DeviceFault
)

// Sender is the minimal outbound capability an OBSS needs from a device
// connection: enough to drive hardware without owning transport details,
// whichever side (OBSS or federation) holds the socket.
type Sender interface {
	Send(frame []byte)
	Close()
}

// CriticalSender is an optional upgrade on Sender: transports that maintain
// a bounded outbound ring (internal/ratelimit) implement it so critical
// control frames (abort, park, slit close) preempt queued non-critical
// traffic instead of waiting behind it.
type CriticalSender interface {
	SendCritical(frame []byte)
}

func send(s Sender, frame []byte, critical bool) {
	if s == nil {
		return
	}
	if critical {
		if cs, ok := s.(CriticalSender); ok {
			cs.SendCritical(frame)
			return
		}
	}
	s.Send(frame)
}

// Device is one coupled device handle: its class, wire identity, current
// reported state, and the Sender used to command it.
type Device struct {
	Class  DeviceClass
	GID    string
	UID    string
	CID    string // camera/annex index within the unit; empty for mount
	State  DeviceState
	Sender Sender

	// telemetry mirrored from focus<cid><p>% and mirr<cid><n>% reports
	FocuserPosition  int
	MirrorCoverState int

	lastCommandedRA  float64
	lastCommandedDec float64
}

// Params are the static, config-sourced parameters for one OBSS.
type Params struct {
	GID, UID      string
	SiteLatDeg    float64
	SiteLonDeg    float64
	TZOffsetHours float64
	AltLimitDeg   float64
	Robotic       bool
	AutoBias      bool
	AutoDark      bool
	AutoFlat      bool
	AutoFrmCnt    int
	AutoExpDur    float64
	UseDomeSlit   bool
	UseHomeSync   bool
	UseGuide      bool
	SlewToleranceArcmin float64
	TmLead        time.Duration // default 300s

	// FixedFieldMount selects the legacy g#...% dialect for mount commands
	// instead of key=value.
	FixedFieldMount bool

	// Mirror cover and dome slit operators, config-selected from
	// {mount, mount-annex, camera-annex}.
	UseMirrorCover      bool
	MirrorCoverOperator string
	DomeSlitOperator    string
}

// AcquirePlanFunc is the callback an OBSS invokes to obtain its next
// plan. It must apply the acquisition predicate itself (matched, lead
// time, residual period, safety) and return (nil, false) if nothing
// qualifies.
type AcquirePlanFunc func(o *OBSS) (*planstore.Plan, bool)

// AbortDownstream issues the actual hardware abort/stop sequence; injected
// so tests can substitute a deterministic stub.
type AbortDownstreamFunc func(o *OBSS)

// Logger is the narrow logging capability obss depends on.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// OBSS is one observation system: identity (gid, uid), device proxies,
// current/waiting plans, mode, ODT, and the goroutines driving acquisition
// and (optionally) calibration generation.
type OBSS struct {
	Params Params
	Log    Logger

	mu         sync.Mutex
	mount      *Device
	cameras    map[string]*Device
	mountAnnex *Device
	cameraAnx  *Device

	planNow  *planstore.Plan
	planWait *planstore.Plan
	mode     Mode
	odt      ODT

	// homeSynced gates the one-time home+sync sequence before the first
	// slew of a session.
	homeSynced bool

	// abortTarget is the state plan_now transitions to once every camera
	// returns to IDLE after an abort was requested. hasAbortTarget is false
	// while the plan is running toward natural completion (OVER).
	abortTarget    wire.PlanState
	hasAbortTarget bool

	mailbox chan func()
	quit    chan struct{}
	stopped bool

	acquireSignal chan struct{}
	acquireFn     AcquirePlanFunc
	abortFn       AbortDownstreamFunc

	store *planstore.Store
}

// New constructs an idle OBSS. log may be nil (a no-op logger is used).
func New(p Params, store *planstore.Store, log Logger) *OBSS {
	if log == nil {
		log = noopLogger{}
	}
	if p.TmLead == 0 {
		p.TmLead = 300 * time.Second
	}
	return &OBSS{
		Params:        p,
		Log:           log,
		cameras:       make(map[string]*Device),
		mailbox:       make(chan func(), 256),
		quit:          make(chan struct{}),
		acquireSignal: make(chan struct{}, 1),
		store:         store,
	}
}

// RegisterAcquirePlan installs the callback used by the acquisition loop.
func (o *OBSS) RegisterAcquirePlan(fn AcquirePlanFunc) { o.acquireFn = fn }

// RegisterAbortDownstream installs the hardware abort sequence.
func (o *OBSS) RegisterAbortDownstream(fn AbortDownstreamFunc) { o.abortFn = fn }

// IsMatched reports whether (gid, uid) targets this OBSS, per the
// wildcard rule: 1 for a strong (exact) match, 2 for a weak (wildcarded)
// match, 0 for no match. These wire ordinals are the opposite numeric
// order from the ids package's MatchLevel enum (NoMatch < WeakMatch <
// StrongMatch), so the two are translated here rather than sharing one
// ordinal space.
func (o *OBSS) IsMatched(gid, uid string) int {
	switch ids.Level(gid, uid, o.Params.GID, o.Params.UID) {
	case ids.StrongMatch:
		return 1
	case ids.WeakMatch:
		return 2
	default:
		return 0
	}
}

// IsActive returns the number of currently coupled devices.
func (o *OBSS) IsActive() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	if o.mount != nil {
		n++
	}
	if o.mountAnnex != nil {
		n++
	}
	if o.cameraAnx != nil {
		n++
	}
	n += len(o.cameras)
	return n
}

// Mode returns the current derived operating mode.
func (o *OBSS) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// ODT returns the current observational duration type.
func (o *OBSS) ODT() ODT {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.odt
}

// PlanNow returns the currently running plan, if any.
func (o *OBSS) PlanNow() *planstore.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.planNow
}

// PlanWait returns the plan queued for immediate execution, if any.
func (o *OBSS) PlanWait() *planstore.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.planWait
}

func (o *OBSS) recomputeModeLocked() {
	mountUp := o.mount != nil
	anyCameraUp := len(o.cameras) > 0
	switch {
	case mountUp && anyCameraUp && o.Params.Robotic:
		o.mode = ModeAuto
	case mountUp || anyCameraUp:
		o.mode = ModeManual
	default:
		o.mode = ModeError
	}
}
