// Package ids implements the (gid, uid, cid) addressing scheme shared by
// every wire dialect, the plan store, and the federation controller.
package ids

import "fmt"

// Triple addresses a group, unit, and camera. An empty field is a wildcard
// that matches any value at that level.
type Triple struct {
	GID string
	UID string
	CID string
}

func (t Triple) String() string {
	return fmt.Sprintf("%s/%s/%s", orAny(t.GID), orAny(t.UID), orAny(t.CID))
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// MatchLevel classifies how a query pair matched a target pair.
type MatchLevel int

const (
	NoMatch MatchLevel = iota
	WeakMatch
	StrongMatch
)

// MatchPair implements the two-field wildcard rule, with its operator
// precedence preserved exactly:
//
//	(a,b) matches (A,B) iff (a==A || a=="") and (b==B || b=="" || a=="").
//
// A wildcarded a (gid) short-circuits the b (uid) comparison entirely:
// a wildcard-gid query matches any uid regardless of b's value.
func MatchPair(a, b, capA, capB string) bool {
	condA := a == capA || a == ""
	if !condA {
		return false
	}
	condB := b == capB || b == "" || a == ""
	return condB
}

// Matches reports whether query matches target under the wildcard rule,
// applied hierarchically across gid/uid. cid is matched the same way against
// uid/cid whenever the query carries one; most callers only need the gid/uid
// level (command fanout, plan targeting) and pass "" for cid on both sides.
func Matches(query, target Triple) bool {
	if !MatchPair(query.GID, query.UID, target.GID, target.UID) {
		return false
	}
	if query.CID == "" {
		return true
	}
	return MatchPair(query.UID, query.CID, target.UID, target.CID)
}

// MatchEither applies the wildcard rule in both directions: a pair with
// wildcarded fields matches a concrete pair whichever side carries the
// wildcard. Plan targeting needs this —
// the store's iterator is queried with a concrete OBSS identity but must
// still yield wildcard-targeted plans.
func MatchEither(aGID, aUID, bGID, bUID string) bool {
	return MatchPair(aGID, aUID, bGID, bUID) || MatchPair(bGID, bUID, aGID, aUID)
}

// MatchGU is the common case: match only on (gid, uid), ignoring cid.
func MatchGU(queryGID, queryUID, gid, uid string) bool {
	return MatchPair(queryGID, queryUID, gid, uid)
}

// Level reports the OBSS.IsMatched() classification for a query (gid, uid)
// against an OBSS's own identity (selfGID, selfUID):
//
//	StrongMatch — query names this OBSS exactly (no wildcards involved)
//	WeakMatch   — query matches via at least one wildcard field
//	NoMatch     — query does not match at all
func Level(queryGID, queryUID, selfGID, selfUID string) MatchLevel {
	if !MatchGU(queryGID, queryUID, selfGID, selfUID) {
		return NoMatch
	}
	if queryGID == selfGID && queryUID == selfUID {
		return StrongMatch
	}
	return WeakMatch
}
