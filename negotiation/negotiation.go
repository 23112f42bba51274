// Package negotiation implements the protocol's version handshake: YYYY-MM
// versions on a monthly release cycle, a one-cycle compatibility window, and
// order-independent capability intersection. Outcomes are expressed as
// mcp.NegotiationResult data so callers can relay them on the wire;
// Negotiate never returns a Go error.
package negotiation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tannht/mcp-compliance-go/mcp"
)

// Negotiator holds one server's advertised version and capability set. It is
// immutable after construction and safe for concurrent use.
type Negotiator struct {
	version      string
	cycle        int
	capabilities []string
}

// New constructs a Negotiator for the given server version and capability
// list. The version must be a well-formed YYYY-MM string; offering a
// malformed version is an operator mistake and fails fast.
func New(serverVersion string, capabilities []string) (*Negotiator, error) {
	cycle, err := ParseCycle(serverVersion)
	if err != nil {
		return nil, fmt.Errorf("negotiation: server version: %w", err)
	}
	return &Negotiator{
		version:      serverVersion,
		cycle:        cycle,
		capabilities: append([]string(nil), capabilities...),
	}, nil
}

// Version returns the protocol revision this negotiator advertises.
func (n *Negotiator) Version() string { return n.version }

// Capabilities returns a copy of the advertised capability list.
func (n *Negotiator) Capabilities() []string {
	return append([]string(nil), n.capabilities...)
}

// Negotiate evaluates a client handshake. Versions are compatible when their
// cycles are at most one apart; the agreed version is always the server's.
// Agreed capabilities are the intersection of the client's requests with the
// advertised set, in advertised order; unknown client capabilities are
// silently dropped. Failure is data: the Error string names both versions.
func (n *Negotiator) Negotiate(hs *mcp.ClientHandshake) mcp.NegotiationResult {
	if hs == nil {
		return mcp.NegotiationResult{
			Error: fmt.Sprintf("incompatible protocol version: no client handshake, server speaks %s", n.version),
		}
	}
	clientCycle, err := ParseCycle(hs.MCPVersion)
	if err != nil {
		return mcp.NegotiationResult{
			Error: fmt.Sprintf("incompatible protocol version: client %q is malformed, server speaks %s", hs.MCPVersion, n.version),
		}
	}
	delta := clientCycle - n.cycle
	if delta < 0 {
		delta = -delta
	}
	if delta > 1 {
		return mcp.NegotiationResult{
			Error: fmt.Sprintf("incompatible protocol version: client %s, server %s", hs.MCPVersion, n.version),
		}
	}
	return mcp.NegotiationResult{
		Success:            true,
		AgreedVersion:      n.version,
		AgreedCapabilities: n.intersect(hs.Capabilities),
	}
}

// CreateServerHandshake builds the advertisement for this negotiator's
// version and capabilities. Deterministic; the returned handshake owns its
// capability slice.
func (n *Negotiator) CreateServerHandshake(serverID string, transport mcp.Transport, info mcp.ServerInfo) *mcp.ServerHandshake {
	return &mcp.ServerHandshake{
		ServerID:     serverID,
		MCPVersion:   n.version,
		Transport:    transport,
		Capabilities: append([]string(nil), n.capabilities...),
		ServerInfo:   info,
	}
}

func (n *Negotiator) intersect(client []string) []string {
	want := make(map[string]struct{}, len(client))
	for _, c := range client {
		want[c] = struct{}{}
	}
	out := make([]string, 0, len(n.capabilities))
	for _, c := range n.capabilities {
		if _, ok := want[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ParseCycle converts a YYYY-MM protocol version into its absolute month
// index (year*12 + month). Cycle distance is what the compatibility window
// is measured in, so 2025-12 and 2026-01 are one cycle apart.
func ParseCycle(version string) (int, error) {
	parts := strings.Split(version, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("malformed protocol version %q", version)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed protocol version %q", version)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed protocol version %q", version)
	}
	if month < 1 || month > 12 {
		return 0, fmt.Errorf("malformed protocol version %q: month out of range", version)
	}
	return year*12 + month, nil
}
