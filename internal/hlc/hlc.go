// Package hlc implements the Hybrid Logical Clock used as the sole
// tie-breaker in bae-sync conflict resolution: a monotonic, skew-tolerant
// timestamp of the form "{millis:013}-{counter:05}-{device_id}".
//
// The read/modify/write step below is the same shape as
// snowflakeid.IDState.NextID from the teacher repo: a single (ms, counter)
// pair, advanced here under a sync.Mutex, so concurrent callers on one
// process never observe or emit the same timestamp twice.
// Unlike a snowflake id generator, an HLC must also merge in timestamps
// observed on incoming envelopes (Observe), which has no snowflakeid
// analogue and is built directly from spec.md's HLC algorithm.
package hlc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMalformed is returned when a serialized HLC string doesn't match
	// the mandatory zero-padded "{millis:013}-{counter:05}-{device_id}" form.
	ErrMalformed = errors.New("hlc: malformed timestamp")
	// ErrEmptyDeviceID rejects HLCs with an empty device component — the
	// device_id is part of the total order's tie-break and must be present.
	ErrEmptyDeviceID = errors.New("hlc: empty device id")
)

const (
	millisWidth  = 13
	counterWidth = 5
	maxSkew      = 24 * time.Hour
)

// Timestamp is a single HLC reading: (wall_ms, counter, device_id).
type Timestamp struct {
	Millis   uint64
	Counter  uint32
	DeviceID string
}

// String renders the mandatory zero-padded lexicographic form.
func (t Timestamp) String() string {
	return fmt.Sprintf("%0*d-%0*d-%s", millisWidth, t.Millis, counterWidth, t.Counter, t.DeviceID)
}

// Parse validates and decodes a serialized HLC. A non-zero-padded or
// otherwise malformed string is rejected outright, per spec.md's boundary
// test: "a non-padded HLC string MUST be rejected."
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	millisPart, counterPart, deviceID := parts[0], parts[1], parts[2]
	if len(millisPart) != millisWidth || len(counterPart) != counterWidth {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if deviceID == "" {
		return Timestamp{}, ErrEmptyDeviceID
	}
	millis, err := strconv.ParseUint(millisPart, 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q: %w", ErrMalformed, s, err)
	}
	counter, err := strconv.ParseUint(counterPart, 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q: %w", ErrMalformed, s, err)
	}
	return Timestamp{Millis: millis, Counter: uint32(counter), DeviceID: deviceID}, nil
}

// Compare returns -1, 0, or 1 the way sort.Slice comparators expect,
// ordering lexicographically on (Millis, Counter, DeviceID) — exactly the
// order the zero-padded string form sorts in.
func Compare(a, b Timestamp) int {
	switch {
	case a.Millis < b.Millis:
		return -1
	case a.Millis > b.Millis:
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	return strings.Compare(a.DeviceID, b.DeviceID)
}

// Clock is per-process HLC state, guarded by a mutex (spec.md §9: "The HLC
// is per-process state guarded by a mutex").
type Clock struct {
	mu       sync.Mutex
	deviceID string
	lastMs   uint64
	counter  uint32
	nowFunc  func() time.Time
	onClamp  func(extMs, wallMs uint64)
}

// New builds a Clock for deviceID. lastMs may be a best-effort value
// persisted at last shutdown (spec.md §9); zero is safe and simply means the
// wall clock floor re-initializes from scratch.
func New(deviceID string, lastMs uint64) *Clock {
	return &Clock{
		deviceID: deviceID,
		lastMs:   lastMs,
		nowFunc:  time.Now,
	}
}

// OnClamp installs a callback invoked whenever Observe clamps an
// out-of-range external timestamp, so callers can log a warning per
// spec.md's boundary test ("clamp to wall and log").
func (c *Clock) OnClamp(fn func(extMs, wallMs uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClamp = fn
}

func (c *Clock) wallMillis() uint64 {
	return uint64(c.nowFunc().UnixMilli())
}

// Now produces the next HLC reading for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallMillis()
	ms := wall
	if c.lastMs > ms {
		ms = c.lastMs
	}
	if ms == c.lastMs {
		c.counter++
	} else {
		c.counter = 0
	}
	c.lastMs = ms
	return Timestamp{Millis: ms, Counter: c.counter, DeviceID: c.deviceID}
}

// Observe merges an externally observed HLC into local state, per spec.md
// §4.1: "t_new = (max(wall, t_prev.ms, t_ext.ms), counter += 1 if ms
// unchanged else 0)". Readings whose millis exceed wall+24h are clamped to
// wall and reported via the OnClamp callback rather than accepted, so a
// misbehaving or badly skewed peer cannot push the local clock arbitrarily
// far into the future.
func (c *Clock) Observe(ext Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallMillis()
	extMs := ext.Millis
	if extMs > wall+uint64(maxSkew.Milliseconds()) {
		if c.onClamp != nil {
			c.onClamp(extMs, wall)
		}
		extMs = wall
	}

	ms := wall
	if c.lastMs > ms {
		ms = c.lastMs
	}
	if extMs > ms {
		ms = extMs
	}

	switch {
	case ms == c.lastMs && ms == extMs:
		if ext.Counter >= c.counter {
			c.counter = ext.Counter + 1
		} else {
			c.counter++
		}
	case ms == extMs:
		c.counter = ext.Counter + 1
	case ms == c.lastMs:
		c.counter++
	default:
		c.counter = 0
	}
	c.lastMs = ms
}

// LastMillis returns the best-effort millisecond floor for persistence at
// shutdown (spec.md §9).
func (c *Clock) LastMillis() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMs
}
