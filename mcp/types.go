package mcp

import (
	"encoding/json"
	"time"
)

// Protocol versions follow a YYYY-MM release cycle. Two versions are
// compatible when their cycles are at most one month apart.
const (
	// LatestProtocolVersion is the newest protocol revision this module
	// implements and the version servers advertise by default.
	LatestProtocolVersion = "2025-11"

	// LegacyProtocolVersion is the last pre-2025 revision. Requests in the
	// legacy wire shape are stamped with it when they carry no version of
	// their own.
	LegacyProtocolVersion = "2024-11"
)

// Well-known capability names. The capability set is open; these are the
// names the built-in surfaces negotiate.
const (
	CapabilityTools    = "tools"
	CapabilityAsync    = "async"
	CapabilityJobs     = "jobs"
	CapabilityCodeExec = "code_exec"
	CapabilityLogging  = "logging"
)

// Transport identifies how a server is reachable.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Mode selects between inline execution and job-backed execution of a tool
// call.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// JobStatus is the lifecycle state of an asynchronous job. Transitions are
// one-directional: queued -> in_progress -> one of the terminal states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never change
// again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidJobStatus reports whether the provided status is a known lifecycle
// state.
func IsValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusQueued,
		JobStatusInProgress,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ResultStatus is the outcome marker on a JobResult.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// ClientHandshake is the first message a client sends: who it is, which
// protocol revision it speaks, and which capabilities it wants.
type ClientHandshake struct {
	ClientID     string   `json:"client_id"`
	MCPVersion   string   `json:"mcp_version"`
	Capabilities []string `json:"capabilities"`
}

// ServerInfo names the server implementation for diagnostics.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerHandshake is the server's advertisement: identity, transport, the
// protocol revision it speaks, and the capabilities it offers.
type ServerHandshake struct {
	ServerID     string     `json:"server_id"`
	MCPVersion   string     `json:"mcp_version"`
	Transport    Transport  `json:"transport"`
	Capabilities []string   `json:"capabilities"`
	ServerInfo   ServerInfo `json:"server_info"`
}

// NegotiationResult is the immutable outcome of a handshake. Incompatibility
// is expressed here as data, never as a Go error.
type NegotiationResult struct {
	Success            bool     `json:"success"`
	AgreedVersion      string   `json:"agreed_version,omitempty"`
	AgreedCapabilities []string `json:"agreed_capabilities,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// ToolCallRequest asks the server to run a tool. Arguments stay raw until
// they are validated against the tool's input schema.
type ToolCallRequest struct {
	RequestID string          `json:"request_id"`
	ToolID    string          `json:"tool_id"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Mode      Mode            `json:"mode,omitempty"`
}

// Job is the tracked state of an asynchronous tool execution. Progress is
// the last value the executor reported, not an interpolation.
type Job struct {
	JobID       string          `json:"job_id"`
	RequestID   string          `json:"request_id"`
	ToolID      string          `json:"tool_id"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TTLDeadline time.Time       `json:"ttl_deadline"`
}

// Clone returns a deep copy. Stores hand out clones so callers cannot mutate
// tracked state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Result != nil {
		cp.Result = make(json.RawMessage, len(j.Result))
		copy(cp.Result, j.Result)
	}
	return &cp
}

// Expired reports whether the job's retention deadline has passed.
func (j *Job) Expired(now time.Time) bool {
	return !j.TTLDeadline.IsZero() && now.After(j.TTLDeadline)
}

// JobHandle is the synchronous acknowledgement of an async submission.
// PollAfter is the suggested delay before the first poll, in milliseconds.
type JobHandle struct {
	RequestID string    `json:"request_id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	PollAfter int64     `json:"poll_after"`
}

// JobResult is the settled outcome of a tool call, synchronous or resumed.
type JobResult struct {
	RequestID string          `json:"request_id"`
	Status    ResultStatus    `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SchemaValidationResult reports schema conformance as data. Errors holds
// one human-readable message per violated constraint.
type SchemaValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
