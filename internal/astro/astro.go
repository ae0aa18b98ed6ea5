// Package astro wraps the soniakeys/meeus and soniakeys/unit astronomical
// libraries with the handful of conversions the daemon actually needs:
// equatorial/horizontal transforms for pointing checks and solar altitude
// for the day/flat/night classifier. No new algorithms are implemented
// here; meeus already supplies the textbook formulas, so this package is
// purely adaptation: flatten its generic vector types into the
// plain degrees the rest of the daemon speaks, and pin the conventions
// (east-positive longitude, UTC-only) in one place instead of at every call
// site.
package astro

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"
	"github.com/soniakeys/meeus/v3/solar"
	"github.com/soniakeys/unit"
)

// Site is an observing location. Longitude is east-positive degrees,
// matching the config schema rather than meeus's west-positive internal
// convention.
type Site struct {
	LatDeg float64
	LonDeg float64
}

// JulianDay converts a UTC instant to a Julian day number.
func JulianDay(t time.Time) float64 {
	return julian.TimeToJD(t.UTC())
}

// LocalMeanSiderealTime returns the local mean sidereal time in degrees
// (0-360) at the site, for the given UTC instant.
func LocalMeanSiderealTime(t time.Time, site Site) float64 {
	jd := JulianDay(t)
	gmst := sidereal.Mean(jd) // unit.Time, the Greenwich angle as an hour-angle-like value
	lst := gmst.Angle() + unit.AngleFromDeg(site.LonDeg)
	return normalizeDeg(lst.Deg())
}

// SunEquatorial returns the Sun's apparent right ascension and declination,
// in degrees, at the given UTC instant.
func SunEquatorial(t time.Time) (raDeg, decDeg float64, err error) {
	jd := JulianDay(t)
	ra, dec := solar.ApparentEquatorial(jd)
	return normalizeDeg(ra.Deg()), dec.Deg(), nil
}

// Eq2Horizon converts an equatorial position to topocentric horizontal
// coordinates (azimuth measured from north, altitude above the horizon), both
// in degrees, at the given UTC instant and site.
func Eq2Horizon(raDeg, decDeg float64, site Site, t time.Time) (azDeg, altDeg float64) {
	lst := LocalMeanSiderealTime(t, site)
	ha := unit.AngleFromDeg(normalizeDeg(lst - raDeg))
	dec := unit.AngleFromDeg(decDeg)
	lat := unit.AngleFromDeg(site.LatDeg)

	sinAlt := dec.Sin()*lat.Sin() + dec.Cos()*lat.Cos()*ha.Cos()
	alt := asinDeg(sinAlt)

	cosAz := (dec.Sin() - lat.Sin()*sinAlt) / (lat.Cos() * cosFromSin(sinAlt))
	az := acosDeg(cosAz)
	if ha.Sin() > 0 {
		az = 360 - az
	}
	return normalizeDeg(az), alt
}

// Horizon2Eq is the inverse of Eq2Horizon: given topocentric azimuth/altitude
// at a site and instant, recover equatorial right ascension and declination.
func Horizon2Eq(azDeg, altDeg float64, site Site, t time.Time) (raDeg, decDeg float64) {
	az := unit.AngleFromDeg(azDeg)
	alt := unit.AngleFromDeg(altDeg)
	lat := unit.AngleFromDeg(site.LatDeg)

	sinDec := alt.Sin()*lat.Sin() + alt.Cos()*lat.Cos()*az.Cos()
	dec := asinDeg(sinDec)

	cosHA := (alt.Sin() - lat.Sin()*sinDec) / (lat.Cos() * cosFromSin(sinDec))
	ha := acosDeg(cosHA)
	if az.Sin() > 0 {
		ha = -ha // eastern azimuth: the target has not yet transited
	}
	lst := LocalMeanSiderealTime(t, site)
	return normalizeDeg(lst - ha), dec
}

// SunAltitudeDeg returns the Sun's altitude in degrees above the horizon at
// the site and instant, the single quantity the duration classifier polls
// every tick.
func SunAltitudeDeg(site Site, t time.Time) (float64, error) {
	ra, dec, err := SunEquatorial(t)
	if err != nil {
		return 0, err
	}
	_, alt := Eq2Horizon(ra, dec, site, t)
	return alt, nil
}

func normalizeDeg(d float64) float64 {
	m := math.Mod(d, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// asinDeg, acosDeg, and cosFromSin keep the spherical-trig formulas above
// readable as plain degree arithmetic instead of chaining unit.Angle method
// calls through math package trig at every step.
func asinDeg(sinV float64) float64 { return unit.Angle(math.Asin(clamp(sinV))).Deg() }

func acosDeg(cosV float64) float64 { return unit.Angle(math.Acos(clamp(cosV))).Deg() }

func cosFromSin(sinV float64) float64 { return math.Sqrt(1 - clamp(sinV)*clamp(sinV)) }

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
