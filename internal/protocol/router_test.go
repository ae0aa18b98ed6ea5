package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obsysd/internal/envaggregator"
	"obsysd/internal/federation"
	"obsysd/internal/obss"
	"obsysd/internal/planstore"
	"obsysd/internal/tcpfront"
	"obsysd/internal/wire"
	"obsysd/internal/wire/kv"
)

func newRouter() (*Router, *federation.Controller, *planstore.Store) {
	store := planstore.New(nil)
	fed := federation.New(store, nil)
	fed.SetAllowed(func(gid, uid string) bool { return gid == "001" })
	fed.SetFactory(func(gid, uid string) *obss.OBSS {
		return obss.New(obss.Params{GID: gid, UID: uid, SiteLatDeg: 30, AltLimitDeg: 10, Robotic: true}, store, nil)
	})
	env := envaggregator.New(nil)
	env.Configure("001", envaggregator.GroupThresholds{UseWindSpeed: true, MaxWindSpeed: 15})
	return New(fed, env, nil), fed, store
}

func TestFixedFieldReadyCreatesAndCouplesMount(t *testing.T) {
	r, fed, _ := newRouter()
	conn := &tcpfront.Conn{ID: "c1", Class: tcpfront.PeerMount}

	r.Handle(conn, tcpfront.PeerMount, "g#00101ready1%\n")

	o, ok := fed.Lookup("001", "01")
	require.True(t, ok)
	assert.Equal(t, 1, o.IsActive())
	o.Stop()
}

func TestMountWorkStateMapping(t *testing.T) {
	assert.Equal(t, obss.DeviceParked, mountWorkState(1))
	assert.Equal(t, obss.DeviceSlewing, mountWorkState(2))
	assert.Equal(t, obss.DeviceTracking, mountWorkState(3))
	assert.Equal(t, obss.DeviceFault, mountWorkState(4))
	assert.Equal(t, obss.DeviceIdle, mountWorkState(0))
}

func TestPlanFromMessage(t *testing.T) {
	msg, err := kv.Resolve("append_plan gid=001,uid=01,plan_sn=A1,priority=10,imgtype=object,coorsys=1,lon=180,lat=30,expdur=30,frmcnt=10,tmbegin=2026-08-01T20:00:00.000,tmend=2026-08-01T21:00:00.000\n")
	require.NoError(t, err)
	p := planFromMessage(msg)
	assert.Equal(t, "A1", p.PlanSN)
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, wire.ImgObject, p.ImgType)
	assert.Equal(t, wire.CoorEquatorial, p.CoorSys)
	assert.Equal(t, 180.0, p.Lon)
	assert.Equal(t, 30.0, p.Lat)
	assert.Equal(t, 1, p.LoopCnt, "loopcnt defaults to 1 when absent")
	assert.Equal(t, wire.StateCataloged, p.State)
	assert.Equal(t, time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC), p.TmBegin)
}

func TestParseDeviceState(t *testing.T) {
	msg, err := kv.Resolve("status gid=001,uid=01,state=tracking\n")
	require.NoError(t, err)
	ds, ok := parseDeviceState(msg)
	require.True(t, ok)
	assert.Equal(t, obss.DeviceTracking, ds)

	msg, _ = kv.Resolve("status gid=001,uid=01,state=warp\n")
	_, ok = parseDeviceState(msg)
	assert.False(t, ok)
}

func TestEnvSampleRoutedToAggregator(t *testing.T) {
	r, _, _ := newRouter()
	r.HandleEnv(tcpfront.EnvSample{Data: []byte("wind gid=001,speed=12,dir=90\n")})
	rec, ok := r.Env.Record("001")
	require.True(t, ok)
	assert.Equal(t, 12.0, rec.WindSpeed)
	assert.True(t, rec.Safe)
}
