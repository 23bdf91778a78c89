package guardrail

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// privateRanges and otherBogonRanges are the fixed tables of reserved,
// private, documentation, multicast, and link-local ranges checked by the
// bogon guardrail.
// Populated once at package init; never mutated.
var (
	privateRanges = mustParseAll(
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", // RFC 1918
	)
	otherBogonRanges = mustParseAll(
		"192.0.2.0/24", "198.51.100.0/24", "203.0.113.0/24", // RFC 5737 documentation
		"169.254.0.0/16",     // RFC 3927 link-local
		"224.0.0.0/4",        // RFC 1112 multicast
		"192.88.99.0/24",     // RFC 3068 6to4 relay anycast (RFC 6890 special-purpose)
		"198.18.0.0/15",      // RFC 2544 benchmarking
		"100.64.0.0/10",      // RFC 6598 carrier-grade NAT
		"127.0.0.0/8",        // loopback
		"0.0.0.0/8",          // "this network"
		"240.0.0.0/4",        // reserved
		"255.255.255.255/32", // limited broadcast
	)
)

func mustParseAll(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("guardrail: invalid bogon range literal " + c + ": " + err.Error())
		}
		out = append(out, n)
	}
	return out
}

func overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// bogonType classifies a hit the same coarse way the original checker did:
// private (RFC 1918), multicast, loopback, link-local, or reserved — the
// catch-all for every other bogon range (documentation, 6to4, CGNAT,
// benchmarking, "this network", true reserved space, broadcast).
type bogonType string

const (
	bogonPrivate   bogonType = "private"
	bogonMulticast bogonType = "multicast"
	bogonLoopback  bogonType = "loopback"
	bogonLinkLocal bogonType = "link-local"
	bogonReserved  bogonType = "reserved"
)

var (
	multicastRange = mustParseAll("224.0.0.0/4")[0]
	loopbackRange  = mustParseAll("127.0.0.0/8")[0]
	linkLocalRange = mustParseAll("169.254.0.0/16")[0]
)

func classifyBogon(ipnet *net.IPNet) bogonType {
	switch {
	case overlaps(ipnet, multicastRange):
		return bogonMulticast
	case overlaps(ipnet, loopbackRange):
		return bogonLoopback
	case overlaps(ipnet, linkLocalRange):
		return bogonLinkLocal
	default:
		for _, r := range privateRanges {
			if overlaps(ipnet, r) {
				return bogonPrivate
			}
		}
		return bogonReserved
	}
}

// BogonGuardrail (G2) checks each prefix against a fixed table of reserved
// ranges. Escalation follows strictness first, then bogon type: strict/high
// fails on any bogon at risk=high; low passes on any bogon at risk=medium
// (a warning); medium fails at risk=critical on a reserved/multicast hit,
// fails at risk=medium on a loopback or link-local hit, and passes at
// risk=medium when every hit is RFC 1918 private.
type BogonGuardrail struct {
	strictness string
}

func NewBogonGuardrail(strictness string, _ bool) *BogonGuardrail {
	if strictness == "" {
		strictness = "high"
	}
	return &BogonGuardrail{strictness: strictness}
}

func (g *BogonGuardrail) Name() string    { return "bogon" }
func (g *BogonGuardrail) IsEnabled() bool { return true } // always active, no disable knob beyond strictness=low

func (g *BogonGuardrail) Check(_ context.Context, gctx CheckContext) (GuardrailResult, error) {
	type detection struct {
		prefix string
		typ    bogonType
	}
	var detections []detection

	for _, p := range gctx.Policies {
		for _, prefixStr := range p.Prefixes {
			_, ipnet, err := net.ParseCIDR(prefixStr)
			if err != nil {
				continue
			}
			hit := false
			for _, r := range privateRanges {
				if overlaps(ipnet, r) {
					hit = true
					break
				}
			}
			if !hit {
				for _, r := range otherBogonRanges {
					if overlaps(ipnet, r) {
						hit = true
						break
					}
				}
			}
			if hit {
				detections = append(detections, detection{prefix: prefixStr, typ: classifyBogon(ipnet)})
			}
		}
	}

	if len(detections) == 0 {
		return GuardrailResult{
			Name: g.Name(), Passed: true, RiskLevel: RiskLow,
			Message: "no bogon prefixes found", Timestamp: time.Now().UTC(),
		}, nil
	}

	hasReservedOrMulticast := false
	onlyPrivate := true
	hitList := make([]string, 0, len(detections))
	for _, d := range detections {
		hitList = append(hitList, fmt.Sprintf("%s (%s)", d.prefix, d.typ))
		if d.typ == bogonReserved || d.typ == bogonMulticast {
			hasReservedOrMulticast = true
		}
		if d.typ != bogonPrivate {
			onlyPrivate = false
		}
	}
	details := map[string]any{"bogon_count": len(detections), "detections": hitList}
	message := fmt.Sprintf("%d bogon prefix(es) found: %s", len(detections), strings.Join(hitList, "; "))

	var risk RiskLevel
	var passed bool
	switch {
	case g.strictness == "strict" || g.strictness == "high":
		risk, passed = RiskHigh, false
	case g.strictness == "low":
		risk, passed = RiskMedium, true
	case hasReservedOrMulticast:
		risk, passed = RiskCritical, false
	default:
		risk, passed = RiskMedium, onlyPrivate
	}

	return GuardrailResult{
		Name: g.Name(), Passed: passed, RiskLevel: risk,
		Message: message, Details: details, Timestamp: time.Now().UTC(),
	}, nil
}
