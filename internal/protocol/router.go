// Package protocol bridges decoded wire frames (internal/wire/kv,
// internal/wire/fixedfield) to the federation controller and OBSS methods:
// tcpfront hands it a raw line plus the peer class that accepted the
// connection, and it resolves addressing, couples devices, and forwards
// plan/device/environment events. It is a thin dispatch table over an
// already-built controller, holding only per-connection coupling state.
package protocol

import (
	"math"
	"strings"
	"time"

	"obsysd/internal/envaggregator"
	"obsysd/internal/federation"
	"obsysd/internal/obss"
	"obsysd/internal/planstore"
	"obsysd/internal/tcpfront"
	"obsysd/internal/wire"
	"obsysd/internal/wire/fixedfield"
	"obsysd/internal/wire/kv"
)

const wireTimeLayout = "2006-01-02T15:04:05.000"

// encoder is the router's shared outbound buffer ring; every
// frame is copied before entering a connection's write queue.
var encoder = kv.NewEncoder()

// Logger is the narrow logging capability the router depends on.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// connState remembers which device (if any) a device-class connection has
// coupled, so subsequent status frames on the same socket route without
// re-parsing gid/uid/cid every time.
type connState struct {
	obss  *obss.OBSS
	class tcpfront.PeerClass
	cid   string
}

// Router dispatches decoded frames to the federation and its OBSSs.
type Router struct {
	Fed *federation.Controller
	Env *envaggregator.Aggregator
	Log Logger

	// P2HFor reports whether the federation forwards for this identity and
	// device class (true) or the OBSS owns the socket (false); nil means
	// P2P everywhere. The mode is fixed at
	// coupling time and never flips.
	P2HFor func(gid string, class tcpfront.PeerClass) bool

	byConn map[*tcpfront.Conn]*connState
}

// New constructs a Router over an already-populated federation controller.
func New(fed *federation.Controller, env *envaggregator.Aggregator, log Logger) *Router {
	if log == nil {
		log = noopLogger{}
	}
	return &Router{Fed: fed, Env: env, Log: log, byConn: make(map[*tcpfront.Conn]*connState)}
}

// Handle implements tcpfront.FrameHandler: decode one line — fixed-field
// for the legacy mount family, key=value for everything else — and dispatch
// by its verb and the peer class that accepted the connection.
func (r *Router) Handle(conn *tcpfront.Conn, class tcpfront.PeerClass, line string) {
	if strings.HasPrefix(line, "g#") {
		r.handleFixedField(conn, class, line)
		return
	}
	msg, err := kv.Resolve(line)
	if err != nil {
		r.Log.Error("protocol: malformed frame, closing connection", "err", err, "conn", conn.ID)
		conn.Close()
		return
	}

	switch class {
	case tcpfront.PeerMount:
		r.handleMount(conn, msg)
	case tcpfront.PeerCamera:
		r.handleCamera(conn, msg)
	case tcpfront.PeerClient:
		r.handleClient(conn, msg)
	case tcpfront.PeerMountAnnex:
		r.coupleIfReady(conn, msg, func(o *obss.OBSS) {
			o.CoupleMountAnnex(connSender{conn}, r.p2h(msg.GID, tcpfront.PeerMountAnnex))
		})
	case tcpfront.PeerCameraAnnex:
		r.coupleIfReady(conn, msg, func(o *obss.OBSS) {
			o.CoupleCameraAnnex(connSender{conn}, r.p2h(msg.GID, tcpfront.PeerCameraAnnex))
		})
	}
}

func (r *Router) lookup(gid, uid string) (*obss.OBSS, bool) {
	o, ok := r.Fed.LookupOrCreate(gid, uid)
	if !ok {
		r.Log.Error("protocol: no OBSS permitted for identity", "gid", gid, "uid", uid)
	}
	return o, ok
}

func (r *Router) p2h(gid string, class tcpfront.PeerClass) bool {
	if r.P2HFor == nil {
		return false
	}
	return r.P2HFor(gid, class)
}

// handleFixedField routes one legacy g#...% frame: ready
// couples the mount, status/currentpos feed the state machine, focus/mirr
// mirror annex telemetry. A malformed frame drops the connection with a
// logged fault, the same reaction as the KV dialect.
func (r *Router) handleFixedField(conn *tcpfront.Conn, class tcpfront.PeerClass, line string) {
	f, err := fixedfield.Decode(line)
	if err != nil {
		r.Log.Error("protocol: malformed fixed-field frame, closing connection", "err", err, "conn", conn.ID)
		conn.Close()
		return
	}
	switch f.Kind {
	case fixedfield.KindReady:
		o, ok := r.lookup(f.GID, f.UID)
		if !ok {
			conn.Close()
			return
		}
		o.CoupleMount(connSender{conn}, r.p2h(f.GID, class))
		r.byConn[conn] = &connState{obss: o, class: class}
	case fixedfield.KindStatus:
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		st.obss.OnMountState(mountWorkState(f.Digit), math.NaN(), math.NaN())
	case fixedfield.KindCurrentPos:
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		st.obss.OnMountPosition(f.RADeg(), f.DecDeg())
	case fixedfield.KindFocusReport:
		if st, ok := r.byConn[conn]; ok {
			st.obss.OnFocuserReport(f.CID, f.Position)
		}
	case fixedfield.KindMirrReport:
		if st, ok := r.byConn[conn]; ok {
			st.obss.OnMirrorReport(f.CID, f.State)
		}
	}
}

// mountWorkState maps the legacy dialect's one-digit mount work state to
// the device-state ordinals the OBSS speaks.
func mountWorkState(d int) obss.DeviceState {
	switch d {
	case 1:
		return obss.DeviceParked
	case 2:
		return obss.DeviceSlewing
	case 3:
		return obss.DeviceTracking
	case 4:
		return obss.DeviceFault
	default:
		return obss.DeviceIdle
	}
}

func (r *Router) coupleIfReady(conn *tcpfront.Conn, msg kv.Message, couple func(*obss.OBSS)) {
	if msg.Type != "ready" {
		return
	}
	o, ok := r.lookup(msg.GID, msg.UID)
	if !ok {
		conn.Close()
		return
	}
	couple(o)
}

func (r *Router) handleMount(conn *tcpfront.Conn, msg kv.Message) {
	switch msg.Type {
	case "ready":
		o, ok := r.lookup(msg.GID, msg.UID)
		if !ok {
			conn.Close()
			return
		}
		o.CoupleMount(connSender{conn}, r.p2h(msg.GID, tcpfront.PeerMount))
		r.byConn[conn] = &connState{obss: o, class: tcpfront.PeerMount}
	case "status":
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		ds, ok := parseDeviceState(msg)
		if !ok {
			return
		}
		ra, raOK := msg.Float64("ra")
		dec, decOK := msg.Float64("dec")
		if !raOK || !decOK {
			ra, dec = math.NaN(), math.NaN()
		}
		st.obss.OnMountState(ds, ra, dec)
	}
}

func (r *Router) handleCamera(conn *tcpfront.Conn, msg kv.Message) {
	switch msg.Type {
	case "ready":
		o, ok := r.lookup(msg.GID, msg.UID)
		if !ok {
			conn.Close()
			return
		}
		o.CoupleCamera(msg.CID, connSender{conn}, r.p2h(msg.GID, tcpfront.PeerCamera))
		r.byConn[conn] = &connState{obss: o, class: tcpfront.PeerCamera, cid: msg.CID}
	case "status":
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		ds, ok := parseDeviceState(msg)
		if !ok {
			return
		}
		st.obss.OnCameraState(st.cid, ds)
	case "guide_converged":
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		if p := st.obss.PlanNow(); p != nil {
			st.obss.OnGuideConverged(p)
		}
	case "guide":
		st, ok := r.byConn[conn]
		if !ok {
			return
		}
		dra, draOK := msg.Float64("dra")
		ddec, ddecOK := msg.Float64("ddec")
		if draOK && ddecOK {
			st.obss.NotifyGuideCorrection(dra, ddec)
		}
	}
}

// handleClient dispatches plan-lifecycle verbs submitted over the client
// listener.
func (r *Router) handleClient(conn *tcpfront.Conn, msg kv.Message) {
	switch msg.Type {
	case "append_plan", "implement_plan":
		p := planFromMessage(msg)
		var ok bool
		if msg.Type == "implement_plan" {
			ok = r.Fed.ImplementPlan(p)
		} else {
			ok = r.Fed.AppendPlan(p)
		}
		r.reply(conn, p.PlanSN, ok)
	case "abort_plan":
		planSN, _ := msg.Get("plan_sn")
		ok := r.Fed.AbortPlan(planSN)
		r.reply(conn, planSN, ok)
	case "check_plan":
		planSN, _ := msg.Get("plan_sn")
		p, ok := r.Fed.CheckPlan(planSN)
		if !ok {
			r.reply(conn, planSN, false)
			return
		}
		frame := encoder.Compact("status", "", "", "", kv.F("plan_sn", p.PlanSN), kv.F("state", p.State.String()))
		conn.Send(append([]byte(nil), frame...), false)
	}
}

func (r *Router) reply(conn *tcpfront.Conn, planSN string, ok bool) {
	status := "accepted"
	if !ok {
		status = "rejected"
	}
	frame := encoder.Compact("status", "", "", "", kv.F("plan_sn", planSN), kv.F("result", status))
	conn.Send(append([]byte(nil), frame...), false)
}

// HandleEnv implements the tcpfront UDP EnvFunc: decode one environment
// sample and forward it into the aggregator.
func (r *Router) HandleEnv(sample tcpfront.EnvSample) {
	msg, err := kv.Resolve(string(sample.Data))
	if err != nil {
		r.Log.Error("protocol: malformed environment frame", "err", err)
		return
	}
	switch msg.Type {
	case "rainfall", "rain":
		wet, _ := msg.Int("wet")
		r.Env.ApplyRain(msg.GID, wet != 0)
	case "wind":
		speed, _ := msg.Float64("speed")
		dir, _ := msg.Float64("dir")
		r.Env.ApplyWind(msg.GID, speed, dir)
	case "cloud":
		pct, _ := msg.Float64("pct")
		r.Env.ApplyCloud(msg.GID, pct)
	}
}

func parseDeviceState(msg kv.Message) (obss.DeviceState, bool) {
	s, ok := msg.Get("state")
	if !ok {
		return 0, false
	}
	switch s {
	case "idle":
		return obss.DeviceIdle, true
	case "slewing":
		return obss.DeviceSlewing, true
	case "tracking":
		return obss.DeviceTracking, true
	case "exposing":
		return obss.DeviceExposing, true
	case "waiting_flat":
		return obss.DeviceWaitingFlat, true
	case "parked":
		return obss.DeviceParked, true
	case "fault":
		return obss.DeviceFault, true
	default:
		return 0, false
	}
}

// planFromMessage builds a Plan from a client's append_plan/implement_plan
// frame.
func planFromMessage(msg kv.Message) *planstore.Plan {
	planSN, _ := msg.Get("plan_sn")
	priority, _ := msg.Int("priority")
	imgTypeStr, _ := msg.Get("imgtype")
	imgType, _ := wire.ParseImgType(imgTypeStr)
	coorSys, _ := msg.Int("coorsys")
	lon, _ := msg.Float64("lon")
	lat, _ := msg.Float64("lat")
	expDur, _ := msg.Float64("expdur")
	frmCnt, _ := msg.Int("frmcnt")
	loopCnt, _ := msg.Int("loopcnt")
	if loopCnt == 0 {
		loopCnt = 1
	}
	tmBegin, _ := msg.Get("tmbegin")
	tmEnd, _ := msg.Get("tmend")
	return &planstore.Plan{
		PlanSN:   planSN,
		PlanTime: msg.UTC,
		Priority: priority,
		GID:      msg.GID,
		UID:      msg.UID,
		ImgType:  imgType,
		CoorSys:  wire.CoorSys(coorSys),
		Lon:      lon,
		Lat:      lat,
		ExpDur:   expDur,
		FrmCnt:   frmCnt,
		LoopCnt:  loopCnt,
		TmBegin:  parseWireTime(tmBegin),
		TmEnd:    parseWireTime(tmEnd),
		State:    wire.StateCataloged,
	}
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// connSender adapts a *tcpfront.Conn to obss.Sender.
type connSender struct{ c *tcpfront.Conn }

func (s connSender) Send(frame []byte)         { s.c.Send(frame, false) }
func (s connSender) SendCritical(frame []byte) { s.c.Send(frame, true) }
func (s connSender) Close()                    { s.c.Close() }
