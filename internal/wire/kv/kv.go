// Package kv implements the key=value line dialect,
// "<type> <k>=<v>,<k>=<v>,...\n". It is the primary protocol spoken by
// clients, cameras, and most mount families; the legacy fixed-field dialect
// lives in internal/wire/fixedfield.
//
// The encoder keeps a small fixed pool of buffers guarded by one mutex and
// indexed by a round-robin counter rather than allocating per call, so
// concurrent senders get distinct slices cheaply.
package kv

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000"

// Message is the decoded form of one key=value frame.
type Message struct {
	Type string
	UTC  time.Time
	GID  string
	UID  string
	CID  string

	// Fields holds every key not consumed above, in original string form.
	// Type-specific known keys and truly unrecognized ones are treated
	// identically; callers that know the type look up the keys they
	// expect.
	Fields map[string]string
}

// Get returns a field value and whether it was present.
func (m Message) Get(key string) (string, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// Float64 parses a field as a float, returning (0, false) if absent/invalid.
func (m Message) Float64(key string) (float64, bool) {
	s, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int parses a field as an integer, returning (0, false) if absent/invalid.
func (m Message) Int(key string) (int, bool) {
	s, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Resolve decodes one frame (without its trailing newline) into a Message.
// Malformed frames (no space-separated type, or a comma-field missing '=')
// return an error; the TCP front closes the connection on any such error.
func Resolve(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		// A type with no payload is valid (e.g. bare "ready").
		if line == "" {
			return Message{}, fmt.Errorf("kv: empty frame")
		}
		return Message{Type: line, Fields: map[string]string{}}, nil
	}
	msg := Message{Type: line[:sp], Fields: map[string]string{}}
	rest := line[sp+1:]
	if rest == "" {
		return msg, nil
	}
	for _, pair := range strings.Split(rest, ",") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return Message{}, fmt.Errorf("kv: malformed pair %q", pair)
		}
		k, v := pair[:eq], pair[eq+1:]
		switch k {
		case "utc":
			t, err := time.Parse(timeLayout, v)
			if err != nil {
				// Tolerate missing fractional seconds.
				t, err = time.Parse("2006-01-02T15:04:05", v)
				if err != nil {
					return Message{}, fmt.Errorf("kv: bad utc %q: %w", v, err)
				}
			}
			msg.UTC = t
		case "gid":
			msg.GID = v
		case "uid":
			msg.UID = v
		case "cid":
			msg.CID = v
		default:
			msg.Fields[k] = v
		}
	}
	return msg, nil
}

// Field is one ordered key=value pair passed to Compact, preserving caller
// ordering for deterministic frames in tests (map iteration would not).
type Field struct {
	Key   string
	Value string
}

// F is a convenience constructor for Field with a string value.
func F(key, value string) Field { return Field{Key: key, Value: value} }

// Ff formats a float field in plain decimal notation with the fewest digits
// that represent it exactly; callers needing fixed precision format the string themselves
// and use F.
func Ff(key string, v float64) Field { return Field{Key: key, Value: strconv.FormatFloat(v, 'f', -1, 64)} }

// Fi formats an integer field.
func Fi(key string, v int) Field { return Field{Key: key, Value: strconv.Itoa(v)} }

const ringSize = 16
const maxFrame = 1400

// Encoder compacts outgoing messages into a small ring of reusable buffers
// so concurrent senders receive distinct slices without a per-call
// allocation.
type Encoder struct {
	mu   sync.Mutex
	ring [ringSize][]byte
	next int
}

// NewEncoder allocates the fixed buffer pool once.
func NewEncoder() *Encoder {
	e := &Encoder{}
	for i := range e.ring {
		e.ring[i] = make([]byte, 0, maxFrame)
	}
	return e
}

func (e *Encoder) take() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.ring[e.next][:0]
	e.next = (e.next + 1) % ringSize
	return buf
}

// Compact renders typ plus ordered fields into a reused buffer, terminated
// with '\n'. The returned slice is only valid until the same ring slot is
// reused by a later Compact call (ringSize calls later); callers must copy
// or write it out before that happens, which matches how a TCP write queue
// immediately serializes it onto the wire.
func (e *Encoder) Compact(typ string, gid, uid, cid string, fields ...Field) []byte {
	buf := e.take()
	buf = append(buf, typ...)
	buf = append(buf, ' ')
	first := true
	writeKV := func(k, v string) {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
	}
	if gid != "" {
		writeKV("gid", gid)
	}
	if uid != "" {
		writeKV("uid", uid)
	}
	if cid != "" {
		writeKV("cid", cid)
	}
	for _, f := range fields {
		writeKV(f.Key, f.Value)
	}
	buf = append(buf, '\n')
	return buf
}

// CompactUTC is Compact with a leading utc= field, used by status/telemetry
// frames that must carry the observation time.
func (e *Encoder) CompactUTC(typ string, utc time.Time, gid, uid, cid string, fields ...Field) []byte {
	all := append([]Field{F("utc", utc.UTC().Format(timeLayout))}, fields...)
	return e.Compact(typ, gid, uid, cid, all...)
}
