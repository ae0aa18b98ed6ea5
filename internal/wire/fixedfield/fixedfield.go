// Package fixedfield implements the legacy g#...% fixed-width dialect used
// by one mount family. Frames start with "g#", carry the (gid, uid)
// identifier in fixed-width slots, and end with '%'. Numerics are
// pre-scaled integers: right ascension and declination are degrees*10⁴,
// guide corrections are arcseconds. Decoders recognize the type by
// substring search and slice out fixed-width fields; a malformed frame is
// dropped and the connection is closed. Command encoders are pure and
// allocation-light.
package fixedfield

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	gidWidth = 3
	uidWidth = 2
	cidWidth = 3
	prefix   = "g#"
)

// Kind enumerates the inbound frame keywords of this dialect.
type Kind string

const (
	KindReady       Kind = "ready"
	KindStatus      Kind = "status"
	KindUTC         Kind = "utc"
	KindCurrentPos  Kind = "currentpos"
	KindFocusReport Kind = "focus"
	KindMirrReport  Kind = "mirr"
)

// Frame is the decoded form of one inbound fixed-field telemetry line.
type Frame struct {
	GID  string
	UID  string
	Kind Kind

	Digit int // ready<n>, status<n>

	UTCDate string // "2024-03-01"
	UTCTime string // "12:30:00"

	RA  int // currentpos, degrees * 1e4
	Dec int // currentpos, degrees * 1e4

	CID      string // focus/mirr report
	Position int    // focus report, signed
	State    int    // mirr report, 0-99
}

// RADeg returns the decoded right ascension in degrees.
func (f Frame) RADeg() float64 { return float64(f.RA) / 1e4 }

// DecDeg returns the decoded declination in degrees.
func (f Frame) DecDeg() float64 { return float64(f.Dec) / 1e4 }

var errMalformed = fmt.Errorf("fixedfield: malformed frame")

// Decode parses one inbound frame. Any structural problem (missing prefix,
// missing '%' terminator, unrecognized keyword, bad fixed-width field)
// returns errMalformed; the caller closes the connection and logs a fault
// rather than attempting recovery.
func Decode(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, "%") {
		return Frame{}, errMalformed
	}
	body := line[len(prefix):]
	if len(body) < gidWidth+uidWidth {
		return Frame{}, errMalformed
	}
	gid, uid := body[:gidWidth], body[gidWidth:gidWidth+uidWidth]
	rest := body[gidWidth+uidWidth:]

	switch {
	case strings.HasPrefix(rest, "ready"):
		return decodeDigitFrame(gid, uid, KindReady, rest[len("ready"):])
	case strings.HasPrefix(rest, "status"):
		return decodeDigitFrame(gid, uid, KindStatus, rest[len("status"):])
	case strings.HasPrefix(rest, "utc"):
		return decodeUTCFrame(gid, uid, rest[len("utc"):])
	case strings.HasPrefix(rest, "currentpos"):
		return decodeCurrentPosFrame(gid, uid, rest[len("currentpos"):])
	case strings.HasPrefix(rest, "focus"):
		return decodeFocusFrame(gid, uid, rest[len("focus"):])
	case strings.HasPrefix(rest, "mirr"):
		return decodeMirrFrame(gid, uid, rest[len("mirr"):])
	default:
		return Frame{}, errMalformed
	}
}

func decodeDigitFrame(gid, uid string, kind Kind, payload string) (Frame, error) {
	payload = strings.TrimSuffix(payload, "%")
	if len(payload) != 1 {
		return Frame{}, errMalformed
	}
	n, err := strconv.Atoi(payload)
	if err != nil {
		return Frame{}, errMalformed
	}
	return Frame{GID: gid, UID: uid, Kind: kind, Digit: n}, nil
}

func decodeUTCFrame(gid, uid, payload string) (Frame, error) {
	// "<date>%<time>%", with '%' standing in for the ISO 'T' separator.
	parts := strings.Split(strings.TrimSuffix(payload, "%"), "%")
	if len(parts) != 2 {
		return Frame{}, errMalformed
	}
	return Frame{GID: gid, UID: uid, Kind: KindUTC, UTCDate: parts[0], UTCTime: parts[1]}, nil
}

func decodeCurrentPosFrame(gid, uid, payload string) (Frame, error) {
	parts := strings.Split(strings.TrimSuffix(payload, "%"), "%")
	if len(parts) != 2 {
		return Frame{}, errMalformed
	}
	ra, err := strconv.Atoi(parts[0])
	if err != nil {
		return Frame{}, errMalformed
	}
	dec, err := strconv.Atoi(parts[1])
	if err != nil {
		return Frame{}, errMalformed
	}
	return Frame{GID: gid, UID: uid, Kind: KindCurrentPos, RA: ra, Dec: dec}, nil
}

func decodeFocusFrame(gid, uid, payload string) (Frame, error) {
	payload = strings.TrimSuffix(payload, "%")
	if len(payload) != cidWidth+6 { // cid(3) + sign(1) + digits(5)
		return Frame{}, errMalformed
	}
	cid := payload[:cidWidth]
	pos, err := strconv.Atoi(payload[cidWidth:])
	if err != nil {
		return Frame{}, errMalformed
	}
	return Frame{GID: gid, UID: uid, Kind: KindFocusReport, CID: cid, Position: pos}, nil
}

func decodeMirrFrame(gid, uid, payload string) (Frame, error) {
	payload = strings.TrimSuffix(payload, "%")
	if len(payload) != 2+2 { // cid(2) + state(2 digits)
		return Frame{}, errMalformed
	}
	cid := payload[:2]
	state, err := strconv.Atoi(payload[2:])
	if err != nil {
		return Frame{}, errMalformed
	}
	return Frame{GID: gid, UID: uid, Kind: KindMirrReport, CID: cid, State: state}, nil
}

// --- outbound command encoders -------------------------------------------
//
// Pure functions, no shared buffer pool: fixed-field commands are sent far
// less often than KV frames and their payload is always small and
// stack-local, so the ring-buffer optimization in internal/wire/kv would be
// wasted ceremony here.

func header(gid, uid string) string {
	return prefix + pad(gid, gidWidth) + pad(uid, uidWidth)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat("0", width-len(s))
}

func signedFixed(v int, digits int) string {
	sign := "+"
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.Itoa(v)
	for len(s) < digits {
		s = "0" + s
	}
	return sign + s
}

// EncodeHome emits the mount "home" command.
func EncodeHome(gid, uid string) string { return header(gid, uid) + "home%" }

// EncodeAbortSlew emits the mount "abortslew" command.
func EncodeAbortSlew(gid, uid string) string { return header(gid, uid) + "abortslew%" }

// EncodePark emits the mount "park" command.
func EncodePark(gid, uid string) string { return header(gid, uid) + "park%" }

// EncodeSync emits a "sync" command at the given equatorial position
// (degrees, scaled ×10⁴ on the wire).
func EncodeSync(gid, uid string, raDeg, decDeg float64) string {
	return header(gid, uid) + "sync" + signedFixed(int(raDeg*1e4), 9) + "%" + signedFixed(int(decDeg*1e4), 9) + "%"
}

// EncodeSlew emits a "slew" command at the given equatorial position
// (degrees, scaled ×10⁴ on the wire).
func EncodeSlew(gid, uid string, raDeg, decDeg float64) string {
	return header(gid, uid) + "slew" + signedFixed(int(raDeg*1e4), 9) + "%" + signedFixed(int(decDeg*1e4), 9) + "%"
}

// EncodeGuide emits a guide correction in arcseconds.
func EncodeGuide(gid, uid string, draArcsec, ddecArcsec float64) string {
	return header(gid, uid) + "guide" + signedFixed(int(draArcsec), 6) + "%" + signedFixed(int(ddecArcsec), 6) + "%"
}

// EncodeSlit emits a dome slit command; open is true to open, false to close.
func EncodeSlit(gid, uid string, open bool) string {
	state := "c"
	if open {
		state = "o"
	}
	return header(gid, uid) + "slit" + state + "%"
}

// EncodeMirrCommand commands a mirror cover to a 2-digit state for the given
// camera id.
func EncodeMirrCommand(gid, uid, cid string, state int) string {
	return header(gid, uid) + "mirr" + pad(cid, 2) + fmt.Sprintf("%02d", state%100) + "%"
}

// EncodeFocusCommand commands a focuser to an absolute position for the
// given camera id.
func EncodeFocusCommand(gid, uid, cid string, position int) string {
	return header(gid, uid) + "focus" + pad(cid, cidWidth) + signedFixed(position, 5) + "%"
}

// EncodeFWHM emits an FWHM probe request to the focuser's camera.
func EncodeFWHM(gid, uid, cid string) string {
	return header(gid, uid) + "fwhm" + pad(cid, cidWidth) + "%"
}
