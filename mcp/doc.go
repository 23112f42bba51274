// Package mcp contains the wire data types and constants shared across the
// compliance layer. It mirrors the protocol's JSON representation while
// keeping the surface Go-friendly (exported structs with snake_case json
// tags, string constants for enumerations, helper validation functions).
//
// The package is intentionally free of behavior: negotiation, compatibility
// adaptation, validation and job tracking live in their own packages and
// exchange these concrete types. Transports marshal them as-is.
//
// # Versions
//
// Protocol versions are YYYY-MM strings on a monthly release cycle. The
// LatestProtocolVersion constant reflects the revision this module targets;
// LegacyProtocolVersion names the last pre-2025 revision used when adapting
// old-style requests. Version arithmetic (cycle distance, the one-cycle
// compatibility window) belongs to the negotiation package.
//
// # Jobs
//
// Job carries the full tracked state of an asynchronous execution, JobHandle
// is the immediate acknowledgement of a submission, and JobResult is the
// settled outcome a caller receives from a synchronous call or a resume.
// JobStatus values are one-directional; use Terminal to gate transitions.
//
// # Results as data
//
// NegotiationResult and SchemaValidationResult deliberately express failure
// as data rather than Go errors: an incompatible version or an invalid
// payload is a protocol outcome the caller relays, not a fault in the
// library.
package mcp
