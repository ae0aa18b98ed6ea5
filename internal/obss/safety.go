package obss

import (
	"math"
	"time"

	"obsysd/internal/astro"
	"obsysd/internal/planstore"
	"obsysd/internal/wire"
)

// IsSafePoint is the astronomical safety gate: for equatorial or
// horizontal targets, compute horizontal coordinates at the plan's tmbegin
// and accept iff altitude >= the configured altitude limit. Orbital (TLE)
// plans skip this gate; propagation is the mount's responsibility.
func (o *OBSS) IsSafePoint(p *planstore.Plan, now time.Time) bool {
	if p.IsCalibration() {
		return true // calibration frames need no pointing
	}
	if p.CoorSys == wire.CoorOrbital {
		return true
	}

	site := astro.Site{LatDeg: o.Params.SiteLatDeg, LonDeg: o.Params.SiteLonDeg}

	var raDeg, decDeg float64
	switch p.CoorSys {
	case wire.CoorEquatorial:
		raDeg, decDeg = p.Lon, p.Lat
	case wire.CoorHorizontal:
		raDeg, decDeg = astro.Horizon2Eq(p.Lon, p.Lat, site, p.TmBegin)
	default:
		return false
	}

	_, alt := astro.Eq2Horizon(raDeg, decDeg, site, p.TmBegin)
	return alt >= o.Params.AltLimitDeg
}

const deg2rad = math.Pi / 180
const rad2deg = 180 / math.Pi

// greatCircleDistanceDeg is the angular separation between two equatorial
// points, used by the pointing-arrival gate and mount excursion handling.
func greatCircleDistanceDeg(ra1, dec1, ra2, dec2 float64) float64 {
	d1, d2 := dec1*deg2rad, dec2*deg2rad
	dra := (ra2 - ra1) * deg2rad

	cosC := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(dra)
	if cosC > 1 {
		cosC = 1
	}
	if cosC < -1 {
		cosC = -1
	}
	return math.Acos(cosC) * rad2deg
}
