// Package compat adapts legacy pre-2025 requests to the modern wire shape
// and modern results back to the legacy envelope. Inbound payloads are
// decoded once into a tagged-variant superset (AnyRequest) and classified
// after the fact; conversion is total, so malformed input adapts best-effort
// and downstream validation rejects what remains.
package compat

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tannht/mcp-compliance-go/mcp"
)

// Kind classifies a raw inbound message.
type Kind int

const (
	KindUnknown Kind = iota
	KindModern
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindModern:
		return "modern"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Envelope verbs legacy clients used for the method field. Anything else in
// method is taken as a tool name.
const (
	legacyMethodCall       = "tools/call"
	legacyMethodCallShort  = "call"
	legacyMethodHandshake  = "handshake"
	legacyMethodInitialize = "initialize"
)

// AnyRequest decodes the superset of modern and legacy request fields so a
// single unmarshal can serve classification and conversion.
type AnyRequest struct {
	// Modern shape.
	RequestID    string          `json:"request_id"`
	ToolID       string          `json:"tool_id"`
	Arguments    json.RawMessage `json:"arguments"`
	Mode         mcp.Mode        `json:"mode"`
	MCPVersion   string          `json:"mcp_version"`
	ClientID     string          `json:"client_id"`
	Capabilities []string        `json:"capabilities"`

	// Legacy shape. The version marker is what distinguishes the old
	// envelope; id can be a string or a number on the wire.
	ProtocolVersion string          `json:"protocol_version"`
	Version         string          `json:"version"`
	ID              json.RawMessage `json:"id"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params"`
}

// legacyParams is the params object of a legacy envelope.
type legacyParams struct {
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	Mode         mcp.Mode        `json:"mode"`
	ClientID     string          `json:"client_id"`
	Capabilities []string        `json:"capabilities"`
}

// Parse decodes a raw payload into the tagged-variant view. Unknown fields
// are ignored; a JSON syntax error is the only failure.
func Parse(raw []byte) (*AnyRequest, error) {
	var r AnyRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Kind classifies the message. Modern markers (request_id, tool_id,
// mcp_version) win over legacy ones so a mixed message is treated as modern;
// a legacy version marker without modern fields marks the old envelope.
func (r *AnyRequest) Kind() Kind {
	modern := r.RequestID != "" || r.ToolID != "" || r.MCPVersion != ""
	legacy := r.ProtocolVersion != "" || r.Version != ""
	switch {
	case modern:
		return KindModern
	case legacy:
		return KindLegacy
	default:
		return KindUnknown
	}
}

// IsLegacyRequest reports whether the payload is in the legacy envelope.
// Unparseable payloads are not legacy.
func IsLegacyRequest(raw []byte) bool {
	r, err := Parse(raw)
	if err != nil {
		return false
	}
	return r.Kind() == KindLegacy
}

// LegacyOrigin records what the adapter assumed about a legacy caller. A nil
// origin means the request was already modern.
type LegacyOrigin struct {
	ClientID   string
	MCPVersion string
}

// ConvertToModern adapts a raw request into the current shape. Legacy field
// names are mapped (params.name becomes tool_id, params.arguments becomes
// arguments), a missing request_id is synthesized, and legacy calls with no
// mode run synchronously. Modern requests pass through untouched; an empty
// mode is left for the dispatcher to resolve. The returned origin is non-nil
// only for legacy input. The conversion is total.
func ConvertToModern(raw []byte) (*mcp.ToolCallRequest, *LegacyOrigin) {
	r, err := Parse(raw)
	if err != nil {
		r = &AnyRequest{}
	}
	return r.ToModern()
}

// ToModern converts an already-parsed request. See ConvertToModern.
func (r *AnyRequest) ToModern() (*mcp.ToolCallRequest, *LegacyOrigin) {
	if r.Kind() != KindLegacy {
		req := &mcp.ToolCallRequest{
			RequestID: r.RequestID,
			ToolID:    r.ToolID,
			Arguments: r.Arguments,
			Mode:      r.Mode,
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		return req, nil
	}

	var p legacyParams
	if len(r.Params) > 0 {
		_ = json.Unmarshal(r.Params, &p)
	}
	req := &mcp.ToolCallRequest{
		RequestID: idString(r.ID),
		ToolID:    p.Name,
		Arguments: p.Arguments,
		Mode:      p.Mode,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ToolID == "" && !isEnvelopeVerb(r.Method) {
		req.ToolID = r.Method
	}
	if req.Mode == "" {
		req.Mode = mcp.ModeSync
	}
	origin := &LegacyOrigin{
		ClientID:   firstNonEmpty(p.ClientID, r.ClientID, "legacy-client"),
		MCPVersion: firstNonEmpty(r.ProtocolVersion, r.Version, mcp.LegacyProtocolVersion),
	}
	return req, origin
}

// HandshakeFromLegacy normalizes a legacy-shaped handshake. The version
// marker becomes mcp_version, the client identity comes from params or the
// top level, and a caller that named neither is stamped "legacy-client".
// Total, like ConvertToModern.
func HandshakeFromLegacy(raw []byte) *mcp.ClientHandshake {
	r, err := Parse(raw)
	if err != nil {
		r = &AnyRequest{}
	}
	var p legacyParams
	if len(r.Params) > 0 {
		_ = json.Unmarshal(r.Params, &p)
	}
	caps := r.Capabilities
	if len(caps) == 0 {
		caps = p.Capabilities
	}
	return &mcp.ClientHandshake{
		ClientID:     firstNonEmpty(r.ClientID, p.ClientID, "legacy-client"),
		MCPVersion:   firstNonEmpty(r.MCPVersion, r.ProtocolVersion, r.Version, mcp.LegacyProtocolVersion),
		Capabilities: caps,
	}
}

// ConvertToLegacy renders a settled result in the legacy envelope:
// protocol_version marker, id for request_id, and the modern payload under
// result.
func ConvertToLegacy(res *mcp.JobResult) map[string]any {
	out := map[string]any{
		"protocol_version": mcp.LegacyProtocolVersion,
		"id":               res.RequestID,
		"status":           string(res.Status),
	}
	if len(res.Result) > 0 {
		out["result"] = json.RawMessage(res.Result)
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	return out
}

// idString renders a legacy id scalar as a string. String ids unquote;
// numbers and anything else keep their literal JSON form.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func isEnvelopeVerb(method string) bool {
	switch method {
	case "", legacyMethodCall, legacyMethodCallShort, legacyMethodHandshake, legacyMethodInitialize:
		return true
	default:
		return false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
