package obss

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

// ringSender records critical sends separately, standing in for a transport
// whose bounded ring lets critical control preempt queued traffic.
type ringSender struct {
	sent     []string
	critical []string
	closed   bool
}

func (r *ringSender) Send(frame []byte)         { r.sent = append(r.sent, string(frame)) }
func (r *ringSender) SendCritical(frame []byte) { r.critical = append(r.critical, string(frame)) }
func (r *ringSender) Close()                    { r.closed = true }

func TestCommandSlitUsesOperatorDevice(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", DomeSlitOperator: "mount-annex"}, planstore.New(nil), nil)
	annex := &ringSender{}
	o.CoupleMountAnnex(annex, false)

	o.CommandSlit(false)
	require.Len(t, annex.critical, 1, "slit close is critical")
	assert.Equal(t, "g#00101slitc%\n", annex.critical[0])

	o.CommandSlit(true)
	require.Len(t, annex.sent, 1, "slit open is not critical")
	assert.Equal(t, "g#00101slito%\n", annex.sent[0])
}

func TestCommandSlitDefaultsToMount(t *testing.T) {
	o := newTestOBSS()
	mount := &ringSender{}
	o.CoupleMount(mount, false)
	o.CommandSlit(false)
	require.Len(t, mount.critical, 1)
}

func TestGuideCorrectionGatedOnUseGuide(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", UseGuide: false}, planstore.New(nil), nil)
	mount := &ringSender{}
	o.CoupleMount(mount, false)
	o.Start()
	defer o.Stop()

	o.NotifyGuideCorrection(3, -2)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mount.sent)
}

func TestGuideCorrectionEmitsFixedFieldGuide(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", UseGuide: true}, planstore.New(nil), nil)
	mount := &ringSender{}
	o.CoupleMount(mount, false)
	o.Start()
	defer o.Stop()

	o.NotifyGuideCorrection(3, -2)
	require.Eventually(t, func() bool { return len(mount.sent) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "g#00101guide+000003%-000002%\n", mount.sent[0])
}

func TestDefaultAbortStopsCamerasAndSlew(t *testing.T) {
	o := newTestOBSS()
	mount := &ringSender{}
	cam := &ringSender{}
	o.CoupleMount(mount, false)
	o.CoupleCamera("01", cam, false)

	o.abortDownstream()

	require.Len(t, cam.critical, 1)
	assert.Contains(t, cam.critical[0], "expose ")
	assert.Contains(t, cam.critical[0], "command=2") // stop
	require.Len(t, mount.critical, 1)
	assert.Contains(t, mount.critical[0], "abortslew")
}

func TestFixedFieldMountSlew(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", FixedFieldMount: true}, planstore.New(nil), nil)
	mount := &ringSender{}
	o.CoupleMount(mount, false)

	o.sendSlew(12.345, -5)
	require.Len(t, mount.sent, 1)
	assert.Equal(t, "g#00101slew+000123450%-000050000%\n", mount.sent[0])
}

func TestHomeSyncEmittedOnceBeforeFirstSlew(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", UseHomeSync: true}, planstore.New(nil), nil)
	mount := &ringSender{}
	o.CoupleMount(mount, false)

	o.sendSlew(10, 10)
	o.sendSlew(20, 20)

	var homes int
	for _, f := range mount.sent {
		if strings.Contains(f, "home") {
			homes++
		}
	}
	assert.Equal(t, 1, homes)
}

func TestOpenMirrorCoversPerCamera(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", UseMirrorCover: true, MirrorCoverOperator: "camera-annex"}, planstore.New(nil), nil)
	annex := &ringSender{}
	o.CoupleCameraAnnex(annex, false)
	o.CoupleCamera("05", &ringSender{}, false)

	o.openMirrorCovers()
	require.Len(t, annex.sent, 1)
	assert.Equal(t, "g#00101mirr0502%\n", annex.sent[0])
}

func TestBelowLimitForcesParkAndAbandons(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", SiteLatDeg: 40, AltLimitDeg: 20, SlewToleranceArcmin: 1, Robotic: true}, planstore.New(nil), nil)
	mount := &ringSender{}
	cam := &ringSender{}
	o.CoupleMount(mount, false)
	o.CoupleCamera("01", cam, false)
	o.Start()
	defer o.Stop()

	p := &planstore.Plan{PlanSN: "X", ImgType: wire.ImgObject, State: wire.StateRunning}
	o.mu.Lock()
	o.planNow = p
	o.mu.Unlock()

	// A southern pointing far below the horizon for a northern site.
	o.OnMountState(DeviceTracking, 180, -80)

	require.Eventually(t, func() bool { return len(mount.critical) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, mount.critical[0], "park")

	// No camera was exposing, so the abort resolves without waiting for a
	// camera transition; a later IDLE report leaves the outcome unchanged.
	o.OnCameraState("01", DeviceIdle)
	require.Eventually(t, func() bool { return o.PlanNow() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, wire.StateAbandoned, p.State)
}

func TestNaNPositionIgnoredBySafetyCheck(t *testing.T) {
	o := New(Params{GID: "001", UID: "01", SiteLatDeg: 40, AltLimitDeg: 20}, planstore.New(nil), nil)
	assert.False(t, o.isBelowLimit(math.NaN(), math.NaN()))
}

func TestFocuserAndMirrorTelemetryMirrored(t *testing.T) {
	o := newTestOBSS()
	o.CoupleCamera("05", &ringSender{}, false)
	o.Start()
	defer o.Stop()

	o.OnFocuserReport("05", 123)
	o.OnMirrorReport("05", 2)
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		d := o.cameras["05"]
		return d.FocuserPosition == 123 && d.MirrorCoverState == 2
	}, time.Second, 5*time.Millisecond)
}
