package obss

import (
	"obsysd/internal/wire"
	"obsysd/internal/wire/fixedfield"
	"obsysd/internal/wire/kv"
)

// encoder is the shared outbound KV buffer ring for all OBSSs in the
// process. Frames are copied before entering a connection's write
// queue, so slot reuse is safe.
var encoder = kv.NewEncoder()

func (o *OBSS) kvFrame(typ, cid string, fields ...kv.Field) []byte {
	frame := encoder.Compact(typ, o.Params.GID, o.Params.UID, cid, fields...)
	return append([]byte(nil), frame...)
}

// operatorDeviceLocked resolves a config-selected operator name to the
// device handle that drives it. Callers hold o.mu.
func (o *OBSS) operatorDeviceLocked(op string) *Device {
	switch op {
	case "mount-annex":
		return o.mountAnnex
	case "camera-annex":
		return o.cameraAnx
	default:
		return o.mount
	}
}

// sendPark forces the mount to its park position; always critical so it
// preempts queued non-critical frames in the connection's write ring.
func (o *OBSS) sendPark() {
	o.mu.Lock()
	m := o.mount
	o.mu.Unlock()
	if m == nil || m.Sender == nil {
		return
	}
	if o.Params.FixedFieldMount {
		send(m.Sender, []byte(fixedfield.EncodePark(o.Params.GID, o.Params.UID)+"\n"), true)
		return
	}
	send(m.Sender, o.kvFrame("park", ""), true)
}

// sendAbortSlew stops an in-flight slew.
func (o *OBSS) sendAbortSlew() {
	o.mu.Lock()
	m := o.mount
	o.mu.Unlock()
	if m == nil || m.Sender == nil {
		return
	}
	if o.Params.FixedFieldMount {
		send(m.Sender, []byte(fixedfield.EncodeAbortSlew(o.Params.GID, o.Params.UID)+"\n"), true)
		return
	}
	send(m.Sender, o.kvFrame("abortslew", ""), true)
}

// sendHomeSync issues home then sync at the given position, emitted before
// the first slew of a session when the unit is configured with HomeSync.
func (o *OBSS) sendHomeSync(raDeg, decDeg float64) {
	o.mu.Lock()
	m := o.mount
	o.mu.Unlock()
	if m == nil || m.Sender == nil {
		return
	}
	if o.Params.FixedFieldMount {
		send(m.Sender, []byte(fixedfield.EncodeHome(o.Params.GID, o.Params.UID)+"\n"), false)
		send(m.Sender, []byte(fixedfield.EncodeSync(o.Params.GID, o.Params.UID, raDeg, decDeg)+"\n"), false)
		return
	}
	send(m.Sender, o.kvFrame("home", ""), false)
	send(m.Sender, o.kvFrame("sync", "", kv.Ff("ra", raDeg), kv.Ff("dec", decDeg)), false)
}

// openMirrorCovers commands every camera's mirror cover open through the
// configured operator device, emitted before slewing when MirrorCover.Use
// is set.
func (o *OBSS) openMirrorCovers() {
	if !o.Params.UseMirrorCover {
		return
	}
	o.mu.Lock()
	op := o.operatorDeviceLocked(o.Params.MirrorCoverOperator)
	cids := make([]string, 0, len(o.cameras))
	for cid := range o.cameras {
		cids = append(cids, cid)
	}
	o.mu.Unlock()
	if op == nil || op.Sender == nil {
		return
	}
	for _, cid := range cids {
		frame := fixedfield.EncodeMirrCommand(o.Params.GID, o.Params.UID, cid, mirrorOpen)
		send(op.Sender, []byte(frame+"\n"), false)
	}
}

// Mirror cover command states on the wire.
const (
	mirrorClose = 1
	mirrorOpen  = 2
)

// CommandSlit drives the dome slit through the configured operator device;
// close is critical (it is the environment-unsafe reaction).
func (o *OBSS) CommandSlit(open bool) {
	o.mu.Lock()
	op := o.operatorDeviceLocked(o.Params.DomeSlitOperator)
	o.mu.Unlock()
	if op == nil || op.Sender == nil {
		return
	}
	frame := fixedfield.EncodeSlit(o.Params.GID, o.Params.UID, open)
	send(op.Sender, []byte(frame+"\n"), !open)
	o.Log.Info("slit command", "gid", o.Params.GID, "uid", o.Params.UID, "open", open)
}

// NotifyGuideCorrection applies a guide-camera-derived pointing offset as a
// fixed-field guide command in arcseconds instead of a full re-slew.
// Ignored unless Mount.Guide is enabled for the unit.
func (o *OBSS) NotifyGuideCorrection(draArcsec, ddecArcsec float64) {
	o.enqueue(func() {
		if !o.Params.UseGuide {
			return
		}
		o.mu.Lock()
		m := o.mount
		o.mu.Unlock()
		if m == nil || m.Sender == nil {
			return
		}
		frame := fixedfield.EncodeGuide(o.Params.GID, o.Params.UID, draArcsec, ddecArcsec)
		send(m.Sender, []byte(frame+"\n"), false)
	})
}

// OnFocuserReport mirrors a focus<cid><p>% readout into the camera's device
// handle.
func (o *OBSS) OnFocuserReport(cid string, position int) {
	o.enqueue(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if d, ok := o.cameras[cid]; ok {
			d.FocuserPosition = position
		}
	})
}

// OnMirrorReport mirrors a mirr<cid><n>% state into the camera's device
// handle.
func (o *OBSS) OnMirrorReport(cid string, state int) {
	o.enqueue(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if d, ok := o.cameras[cid]; ok {
			d.MirrorCoverState = state
		}
	})
}

// abortDownstream is the built-in hardware abort sequence used when no
// override is registered: stop every exposing camera (critical) and stop
// any in-flight slew. The plan's terminal state is observed later, when all
// cameras return to IDLE.
func (o *OBSS) abortDownstream() {
	o.mu.Lock()
	cams := make([]*Device, 0, len(o.cameras))
	for _, d := range o.cameras {
		cams = append(cams, d)
	}
	o.mu.Unlock()
	for _, d := range cams {
		frame := o.kvFrame("expose", d.CID, kv.Fi("command", int(wire.ExposeStop)))
		send(d.Sender, frame, true)
	}
	o.sendAbortSlew()
}
