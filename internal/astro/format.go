package astro

import (
	sexa "github.com/soniakeys/sexagesimal"
	"github.com/soniakeys/unit"
)

// FormatRADeg renders a right ascension in degrees as sexagesimal
// hours:minutes:seconds, for structured log fields on slew/status events.
func FormatRADeg(raDeg float64) string {
	return sexa.FmtHourAngle(unit.AngleFromDeg(raDeg).HourAngle()).String()
}

// FormatDecDeg renders a declination in degrees as sexagesimal
// degrees:arcminutes:arcseconds.
func FormatDecDeg(decDeg float64) string {
	return sexa.FmtAngle(unit.AngleFromDeg(decDeg)).String()
}
