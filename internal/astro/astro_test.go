package astro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDeg(t *testing.T) {
	assert.InDelta(t, 10.0, normalizeDeg(370), 1e-9)
	assert.InDelta(t, 350.0, normalizeDeg(-10), 1e-9)
	assert.InDelta(t, 0.0, normalizeDeg(360), 1e-9)
}

func TestEqHorizonRoundTrip(t *testing.T) {
	site := Site{LatDeg: 31.9, LonDeg: -111.6} // representative mid-latitude site
	at := time.Date(2026, 3, 21, 6, 0, 0, 0, time.UTC)

	wantRA, wantDec := 83.8, -5.4
	az, alt := Eq2Horizon(wantRA, wantDec, site, at)
	gotRA, gotDec := Horizon2Eq(az, alt, site, at)

	assert.InDelta(t, wantRA, gotRA, 1e-6)
	assert.InDelta(t, wantDec, gotDec, 1e-6)
}

func TestSunAltitudeDay(t *testing.T) {
	site := Site{LatDeg: 31.9, LonDeg: -111.6}
	noonLocal := time.Date(2026, 6, 21, 19, 0, 0, 0, time.UTC) // ~local solar noon
	alt, err := SunAltitudeDeg(site, noonLocal)
	assert.NoError(t, err)
	assert.Greater(t, alt, 0.0, "sun should be well above the horizon near local solar noon in summer")
}
