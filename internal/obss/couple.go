package obss

import "obsysd/internal/wire"

// CoupleMount attaches the mount device. P2H/P2P is chosen by the caller
// (the federation, from config) and passed in as p2h; the mode is fixed
// for the life of the connection.
func (o *OBSS) CoupleMount(sender Sender, p2h bool) CoupleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mount != nil {
		return CoupleError // duplicate coupling refused
	}
	o.mount = &Device{Class: ClassMount, GID: o.Params.GID, UID: o.Params.UID, Sender: sender}
	o.recomputeModeLocked()
	if p2h {
		return CoupleP2H
	}
	return CoupleP2P
}

// CoupleCamera attaches a camera device identified by cid.
func (o *OBSS) CoupleCamera(cid string, sender Sender, p2h bool) CoupleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.cameras[cid]; exists {
		return CoupleError
	}
	o.cameras[cid] = &Device{Class: ClassCamera, GID: o.Params.GID, UID: o.Params.UID, CID: cid, Sender: sender}
	o.recomputeModeLocked()
	if p2h {
		return CoupleP2H
	}
	return CoupleP2P
}

// CoupleMountAnnex attaches the optional mount-annex device.
func (o *OBSS) CoupleMountAnnex(sender Sender, p2h bool) CoupleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mountAnnex != nil {
		return CoupleError
	}
	o.mountAnnex = &Device{Class: ClassMountAnnex, GID: o.Params.GID, UID: o.Params.UID, Sender: sender}
	if p2h {
		return CoupleP2H
	}
	return CoupleP2P
}

// CoupleCameraAnnex attaches the optional camera-annex device.
func (o *OBSS) CoupleCameraAnnex(sender Sender, p2h bool) CoupleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cameraAnx != nil {
		return CoupleError
	}
	o.cameraAnx = &Device{Class: ClassCameraAnnex, GID: o.Params.GID, UID: o.Params.UID, Sender: sender}
	if p2h {
		return CoupleP2H
	}
	return CoupleP2P
}

// DecoupleMount releases the mount; idempotent.
func (o *OBSS) DecoupleMount() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mount == nil {
		return
	}
	o.mount.Sender.Close()
	o.mount = nil
	o.recomputeModeLocked()
	o.handleDisconnectLocked()
}

// DecoupleCamera releases the camera identified by cid; idempotent.
func (o *OBSS) DecoupleCamera(cid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.cameras[cid]
	if !ok {
		return
	}
	d.Sender.Close()
	wasExposing := d.State == DeviceExposing
	delete(o.cameras, cid)
	o.recomputeModeLocked()
	if wasExposing && o.planNow != nil {
		o.abandonRunningPlanLocked()
	}
}

// DecoupleMountAnnex releases the mount-annex device; idempotent.
func (o *OBSS) DecoupleMountAnnex() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mountAnnex == nil {
		return
	}
	o.mountAnnex.Sender.Close()
	o.mountAnnex = nil
}

// DecoupleCameraAnnex releases the camera-annex device; idempotent.
func (o *OBSS) DecoupleCameraAnnex() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cameraAnx == nil {
		return
	}
	o.cameraAnx.Sender.Close()
	o.cameraAnx = nil
}

// handleDisconnectLocked applies the device-lifecycle rule: a disconnect
// that crosses a camera mid-exposure abandons the running plan.
func (o *OBSS) handleDisconnectLocked() {
	if o.planNow == nil {
		return
	}
	for _, d := range o.cameras {
		if d.State == DeviceExposing {
			o.abandonRunningPlanLocked()
			return
		}
	}
}

func (o *OBSS) abandonRunningPlanLocked() {
	if o.planNow == nil {
		return
	}
	o.Log.Warn("plan abandoned on device disconnect", "plan_sn", o.planNow.PlanSN)
	o.planNow.State = wire.StateAbandoned
	o.planNow = nil
	o.signalAcquire()
}
