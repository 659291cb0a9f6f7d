package classifier

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anassk/zenflowd/internal/zen/common/clock"
	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/common/utils"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

// Source records where a packet's hostname came from.
type Source uint8

const (
	// SourceNone means no hostname could be extracted.
	SourceNone Source = iota
	// SourceDNS is a DNS question name (UDP or TCP port 53).
	SourceDNS
	// SourceSNI is the server_name of a TLS ClientHello.
	SourceSNI
	// SourceHTTP is a plaintext HTTP Host header.
	SourceHTTP
	// SourceFlow is a verdict replayed from connection state, without
	// re-extraction.
	SourceFlow
)

// String returns a stable string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceDNS:
		return "dns"
	case SourceSNI:
		return "sni"
	case SourceHTTP:
		return "http"
	case SourceFlow:
		return "flow"
	default:
		return fmt.Sprintf("Source(%d)", s)
	}
}

// Result is the classification of one packet. Decision is meaningful only
// when Decided is set; packets with no extractable hostname carry the
// fallback verdict and no decision.
type Result struct {
	Verdict  domain.Verdict
	Host     string
	Source   Source
	Decision domain.Decision
	Decided  bool
}

// Options carries the Classifier's dependencies and tunables.
type Options struct {
	Snapshots SnapshotProvider
	Clock     clock.Clock
	Fallback  domain.Verdict // verdict when no hostname is extractable
	Grace     time.Duration  // pending-flow window before Fallback applies
	FlowTTL   time.Duration  // idle time before a flow entry is evictable
	MaxFlows  int            // flow table capacity
}

// Classifier turns raw IP packets into verdicts: decode, extract a hostname
// (DNS question, TLS SNI, HTTP Host), consult the active rule snapshot, and
// track per-connection state so established flows skip re-extraction.
//
// Not safe for concurrent use: the flow table is unsynchronized on purpose.
// One Classifier belongs to exactly one consumer goroutine.
type Classifier struct {
	snapshots SnapshotProvider
	clock     clock.Clock
	fallback  domain.Verdict
	grace     time.Duration
	flows     *flowTable
}

// New constructs a Classifier. Snapshots and Clock are required; zero
// tunables take defaults (accept fallback, 2s grace, 5m TTL, 4096 flows).
func New(opts Options) (*Classifier, error) {
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("classifier: snapshot provider is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("classifier: clock is required")
	}
	if opts.Fallback != domain.VerdictAccept && opts.Fallback != domain.VerdictDrop {
		return nil, fmt.Errorf("classifier: fallback must be accept or drop, got %s", opts.Fallback)
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if opts.FlowTTL <= 0 {
		opts.FlowTTL = 5 * time.Minute
	}
	if opts.MaxFlows <= 0 {
		opts.MaxFlows = 4096
	}
	return &Classifier{
		snapshots: opts.Snapshots,
		clock:     opts.Clock,
		fallback:  opts.Fallback,
		grace:     opts.Grace,
		flows:     newFlowTable(opts.MaxFlows, opts.FlowTTL),
	}, nil
}

var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// Classify verdicts one raw IP packet. It never panics on malformed input;
// anything undecodable degrades to the fallback verdict.
func (c *Classifier) Classify(raw []byte) Result {
	now := c.clock.Now()
	c.flows.maybeSweep(now)

	if len(raw) == 0 {
		return c.unknown("", SourceNone)
	}

	var pkt gopacket.Packet
	switch raw[0] >> 4 {
	case 4:
		pkt = gopacket.NewPacket(raw, layers.LayerTypeIPv4, decodeOpts)
	case 6:
		pkt = gopacket.NewPacket(raw, layers.LayerTypeIPv6, decodeOpts)
	default:
		return c.unknown("", SourceNone)
	}

	var srcIP, dstIP net.IP
	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	case *layers.IPv6:
		srcIP, dstIP = nl.SrcIP, nl.DstIP
	default:
		return c.unknown("", SourceNone)
	}

	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		return c.classifyUDP(l.(*layers.UDP))
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		return c.classifyTCP(l.(*layers.TCP), srcIP, dstIP, now)
	}
	return c.unknown("", SourceNone)
}

// Flows reports the current flow table size.
func (c *Classifier) Flows() int { return c.flows.len() }

// classifyUDP matches DNS query names. DNS never creates flow entries: a
// blocked query is dropped outright, the resolver failure pre-empts the
// connection. Responses pass unmatched.
func (c *Classifier) classifyUDP(udp *layers.UDP) Result {
	if udp.DstPort != 53 && udp.SrcPort != 53 {
		return c.unknown("", SourceNone)
	}
	name, response, ok := dnsQuery(udp.Payload, false)
	if !ok {
		return c.unknown("", SourceNone)
	}
	if response {
		return Result{Verdict: domain.VerdictAccept, Source: SourceDNS}
	}
	return c.decideDNS(name)
}

func (c *Classifier) decideDNS(name string) Result {
	snap := c.snapshots.ActiveSnapshot()
	d, err := snap.Decide(name)
	if err != nil {
		log.Debug(map[string]any{"name": name, "error": err.Error()}, "unmatchable dns question")
		return c.unknown(name, SourceDNS)
	}
	verdict := domain.VerdictAccept
	if d.Blocked {
		verdict = domain.VerdictDrop
	}
	return Result{
		Verdict:  verdict,
		Host:     utils.CanonicalHostname(name),
		Source:   SourceDNS,
		Decision: d,
		Decided:  true,
	}
}

func (c *Classifier) classifyTCP(tcp *layers.TCP, srcIP, dstIP net.IP, now time.Time) Result {
	// DNS over TCP: length-prefixed message, no flow tracking. Empty
	// payloads are handshake segments and pass.
	if tcp.DstPort == 53 || tcp.SrcPort == 53 {
		if len(tcp.Payload) == 0 {
			return Result{Verdict: domain.VerdictAccept, Source: SourceNone}
		}
		name, response, ok := dnsQuery(tcp.Payload, true)
		if !ok {
			return c.unknown("", SourceNone)
		}
		if response {
			return Result{Verdict: domain.VerdictAccept, Source: SourceDNS}
		}
		return c.decideDNS(name)
	}

	snap := c.snapshots.ActiveSnapshot()
	key := makeFlowKey(srcIP, dstIP, uint16(tcp.SrcPort), uint16(tcp.DstPort), 6)

	e, exists := c.flows.lookup(key)
	if !exists {
		e = c.flows.create(key, now, snap.ID())
		if tcp.SYN && !tcp.ACK {
			// Nothing to extract in a bare SYN; the handshake must pass
			// before a hostname can appear.
			return Result{Verdict: domain.VerdictAccept, Source: SourceNone}
		}
	} else {
		e.touch(now)
		c.reclassifyOnDrift(e, snap, now)
	}

	switch e.state {
	case flowAllowed:
		return Result{Verdict: domain.VerdictAccept, Host: e.host, Source: SourceFlow, Decision: e.decision, Decided: e.decided}
	case flowBlocked:
		return Result{Verdict: domain.VerdictDrop, Host: e.host, Source: SourceFlow, Decision: e.decision, Decided: e.decided}
	}

	// Pending: try to extract a hostname from this segment.
	if len(tcp.Payload) > 0 {
		if host, source, ok := extractHost(tcp.Payload); ok {
			d, err := snap.Decide(host)
			if err != nil {
				// Extracted but unmatchable; the flow stays pending.
				log.Debug(map[string]any{"host": host, "error": err.Error()}, "unmatchable extracted hostname")
			} else {
				e.host = utils.CanonicalHostname(host)
				e.decision = d
				e.decided = true
				e.snapshotID = snap.ID()
				verdict := domain.VerdictAccept
				if d.Blocked {
					e.state = flowBlocked
					verdict = domain.VerdictDrop
				} else {
					e.state = flowAllowed
				}
				return Result{Verdict: verdict, Host: e.host, Source: source, Decision: d, Decided: true}
			}
		}
	}

	// Still anonymous: accept within the grace window, then fall through to
	// the fallback policy. Under fallback drop the flow is remembered
	// blocked so later segments short-circuit.
	if now.Sub(e.since) > c.grace {
		if c.fallback == domain.VerdictDrop {
			e.state = flowBlocked
			return Result{Verdict: domain.VerdictDrop, Source: SourceNone}
		}
		return Result{Verdict: domain.VerdictAccept, Source: SourceNone}
	}
	return Result{Verdict: domain.VerdictAccept, Source: SourceNone}
}

// reclassifyOnDrift re-evaluates a flow when the active snapshot changed
// since its verdict. Flows with a known hostname are re-decided; anonymous
// flows get a fresh grace window under the new rules.
func (c *Classifier) reclassifyOnDrift(e *flowEntry, snap RuleSnapshot, now time.Time) {
	if e.snapshotID == snap.ID() {
		return
	}
	e.snapshotID = snap.ID()
	if e.host == "" {
		e.state = flowPending
		e.decided = false
		e.since = now
		return
	}
	d, err := snap.Decide(e.host)
	if err != nil {
		e.state = flowPending
		e.decided = false
		e.since = now
		return
	}
	e.decision = d
	e.decided = true
	if d.Blocked {
		e.state = flowBlocked
	} else {
		e.state = flowAllowed
	}
}

func extractHost(payload []byte) (string, Source, bool) {
	if host, ok := tlsSNI(payload); ok {
		return host, SourceSNI, true
	}
	if host, ok := httpHost(payload); ok {
		return host, SourceHTTP, true
	}
	return "", SourceNone, false
}

func (c *Classifier) unknown(host string, source Source) Result {
	return Result{Verdict: c.fallback, Host: host, Source: source}
}
