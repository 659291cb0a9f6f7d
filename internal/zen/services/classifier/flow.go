package classifier

import (
	"bytes"
	"net"
	"time"

	"github.com/anassk/zenflowd/internal/zen/domain"
)

type flowState uint8

const (
	flowPending flowState = iota
	flowAllowed
	flowBlocked
)

func (s flowState) String() string {
	switch s {
	case flowPending:
		return "pending"
	case flowAllowed:
		return "allowed"
	default:
		return "blocked"
	}
}

// flowKey identifies a connection by its 5-tuple with the two endpoints in
// canonical order, so packets of both directions land on the same entry.
type flowKey struct {
	loAddr, hiAddr [16]byte
	loPort, hiPort uint16
	proto          uint8
}

func makeFlowKey(src, dst net.IP, srcPort, dstPort uint16, proto uint8) flowKey {
	var a, b [16]byte
	copy(a[:], src.To16())
	copy(b[:], dst.To16())
	if c := bytes.Compare(a[:], b[:]); c > 0 || (c == 0 && srcPort > dstPort) {
		a, b = b, a
		srcPort, dstPort = dstPort, srcPort
	}
	return flowKey{loAddr: a, hiAddr: b, loPort: srcPort, hiPort: dstPort, proto: proto}
}

// flowEntry is one tracked connection. since anchors the pending grace
// window; lastSeen drives TTL eviction.
type flowEntry struct {
	state      flowState
	host       string
	decision   domain.Decision
	decided    bool
	snapshotID uint64
	since      time.Time
	lastSeen   time.Time
	packets    uint64
}

func (e *flowEntry) touch(now time.Time) {
	e.lastSeen = now
	e.packets++
}

// flowTable tracks connections for the single consumer goroutine. No locks:
// ownership is the synchronization. Eviction is lazy, with a TTL sweep at
// most once per TTL period and whenever an insert finds the table full.
type flowTable struct {
	entries   map[flowKey]*flowEntry
	max       int
	ttl       time.Duration
	lastSweep time.Time
}

func newFlowTable(max int, ttl time.Duration) *flowTable {
	return &flowTable{
		entries: make(map[flowKey]*flowEntry),
		max:     max,
		ttl:     ttl,
	}
}

func (t *flowTable) lookup(k flowKey) (*flowEntry, bool) {
	e, ok := t.entries[k]
	return e, ok
}

func (t *flowTable) create(k flowKey, now time.Time, snapshotID uint64) *flowEntry {
	if len(t.entries) >= t.max {
		t.sweep(now)
		if len(t.entries) >= t.max {
			t.evictOldest()
		}
	}
	e := &flowEntry{
		state:      flowPending,
		snapshotID: snapshotID,
		since:      now,
		lastSeen:   now,
		packets:    1,
	}
	t.entries[k] = e
	return e
}

func (t *flowTable) len() int { return len(t.entries) }

// maybeSweep runs a TTL sweep when one hasn't run for a full TTL period.
func (t *flowTable) maybeSweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.ttl {
		return
	}
	t.sweep(now)
}

func (t *flowTable) sweep(now time.Time) {
	t.lastSweep = now
	for k, e := range t.entries {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.entries, k)
		}
	}
}

func (t *flowTable) evictOldest() {
	var (
		oldestKey flowKey
		oldest    time.Time
		found     bool
	)
	for k, e := range t.entries {
		if !found || e.lastSeen.Before(oldest) {
			oldestKey, oldest, found = k, e.lastSeen, true
		}
	}
	if found {
		delete(t.entries, oldestKey)
	}
}
