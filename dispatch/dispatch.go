// Package dispatch wires negotiation, schema validation, the tool catalog,
// and the job manager into a single protocol front door. It is
// transport-agnostic: httpapi drives it over HTTP and embedders can drive it
// directly.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tannht/mcp-compliance-go/compat"
	"github.com/tannht/mcp-compliance-go/internal/logctx"
	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
	"github.com/tannht/mcp-compliance-go/negotiation"
	"github.com/tannht/mcp-compliance-go/registry"
	"github.com/tannht/mcp-compliance-go/schema"
	"github.com/tannht/mcp-compliance-go/tools"
)

// ErrToolNotFound reports a call to a tool id absent from the catalog.
var ErrToolNotFound = errors.New("tool not found")

// SchemaValidationError carries a failed validation outcome across the
// routing boundary. Stage is "input" or "output".
type SchemaValidationError struct {
	Stage  string
	Result mcp.SchemaValidationResult
}

func (e *SchemaValidationError) Error() string {
	if len(e.Result.Errors) == 0 {
		return e.Stage + " validation failed"
	}
	return e.Stage + " validation failed: " + strings.Join(e.Result.Errors, "; ")
}

// Dispatcher coordinates handshakes and tool calls against the negotiator,
// validator, job manager, and tool catalog it was built with.
type Dispatcher struct {
	neg       *negotiation.Negotiator
	validator *schema.Validator
	mgr       *jobs.Manager
	set       *tools.Set
	log       *slog.Logger

	serverID     string
	transport    mcp.Transport
	info         mcp.ServerInfo
	publisher    registry.Publisher
	endpoint     string
	asyncDefault bool

	mu       sync.RWMutex
	sessions map[string]*sessionState

	publishOnce sync.Once
}

type sessionState struct {
	result   mcp.NegotiationResult
	clientID string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithServerID overrides the generated server id advertised in handshakes.
func WithServerID(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.serverID = id
		}
	}
}

// WithTransport sets the transport advertised in handshakes.
func WithTransport(t mcp.Transport) Option {
	return func(d *Dispatcher) { d.transport = t }
}

// WithServerInfo sets the descriptive server info advertised in handshakes.
func WithServerInfo(info mcp.ServerInfo) Option {
	return func(d *Dispatcher) { d.info = info }
}

// WithRegistryPublisher enables metadata publication on Run.
func WithRegistryPublisher(p registry.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithEndpoint sets the public endpoint included in registry metadata.
func WithEndpoint(endpoint string) Option {
	return func(d *Dispatcher) { d.endpoint = endpoint }
}

// WithAsyncDefault makes calls without an explicit mode run asynchronously.
func WithAsyncDefault(async bool) Option {
	return func(d *Dispatcher) { d.asyncDefault = async }
}

// New constructs a Dispatcher around the given collaborators.
func New(neg *negotiation.Negotiator, validator *schema.Validator, mgr *jobs.Manager, set *tools.Set, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		neg:       neg,
		validator: validator,
		mgr:       mgr,
		set:       set,
		log:       slog.Default(),
		serverID:  uuid.NewString(),
		transport: mcp.TransportHTTP,
		info:      mcp.ServerInfo{Name: "mcp-compliance", Version: "dev"},
		sessions:  make(map[string]*sessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ServerHandshake returns the handshake document this server advertises.
func (d *Dispatcher) ServerHandshake() *mcp.ServerHandshake {
	return d.neg.CreateServerHandshake(d.serverID, d.transport, d.info)
}

// HandleHandshake negotiates with a parsed client handshake and records the
// outcome under sessionID, overwriting any prior negotiation for the session.
func (d *Dispatcher) HandleHandshake(ctx context.Context, sessionID string, hs *mcp.ClientHandshake) (*mcp.ServerHandshake, mcp.NegotiationResult) {
	res := d.neg.Negotiate(hs)
	clientID := ""
	clientVersion := ""
	if hs != nil {
		clientID = hs.ClientID
		clientVersion = hs.MCPVersion
	}
	d.storeSession(sessionID, res, clientID)

	if res.Success {
		d.log.InfoContext(ctx, "negotiation.outcome",
			slog.Bool("success", true),
			slog.String("session_id", sessionID),
			slog.String("client_id", clientID),
			slog.String("agreed_version", res.AgreedVersion),
			slog.Int("capabilities", len(res.AgreedCapabilities)),
		)
	} else {
		d.log.InfoContext(ctx, "negotiation.outcome",
			slog.Bool("success", false),
			slog.String("session_id", sessionID),
			slog.String("client_id", clientID),
			slog.String("client_version", clientVersion),
			slog.String("err", res.Error),
		)
	}
	return d.ServerHandshake(), res
}

// HandleHandshakeRaw negotiates with a raw handshake body, converting legacy
// initialize envelopes first.
func (d *Dispatcher) HandleHandshakeRaw(ctx context.Context, sessionID string, raw []byte) (*mcp.ServerHandshake, mcp.NegotiationResult) {
	if compat.IsLegacyRequest(raw) {
		return d.HandleHandshake(ctx, sessionID, compat.HandshakeFromLegacy(raw))
	}
	var hs mcp.ClientHandshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		res := mcp.NegotiationResult{Success: false, Error: fmt.Sprintf("malformed handshake: %v", err)}
		d.storeSession(sessionID, res, "")
		d.log.InfoContext(ctx, "negotiation.outcome",
			slog.Bool("success", false),
			slog.String("session_id", sessionID),
			slog.String("err", res.Error),
		)
		return d.ServerHandshake(), res
	}
	return d.HandleHandshake(ctx, sessionID, &hs)
}

// Session returns the stored negotiation outcome for sessionID.
func (d *Dispatcher) Session(sessionID string) (mcp.NegotiationResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.sessions[sessionID]
	if !ok {
		return mcp.NegotiationResult{}, false
	}
	return st.result, true
}

func (d *Dispatcher) storeSession(sessionID string, res mcp.NegotiationResult, clientID string) {
	d.mu.Lock()
	d.sessions[sessionID] = &sessionState{result: res, clientID: clientID}
	d.mu.Unlock()
}

// RouteToolCall validates and executes a modern tool call. Exactly one of the
// result or handle returns is non-nil on success: sync calls resolve inline
// to a JobResult, async calls are accepted into the job manager and return a
// JobHandle. Executor failures surface as JobResult data, not errors.
func (d *Dispatcher) RouteToolCall(ctx context.Context, req *mcp.ToolCallRequest) (*mcp.JobResult, *mcp.JobHandle, error) {
	if req == nil {
		return nil, nil, errors.New("tool call request required")
	}
	log := d.log.With(
		slog.String("tool_id", req.ToolID),
		slog.String("request_id", req.RequestID),
	)

	tool, ok := d.set.Get(req.ToolID)
	if !ok {
		log.InfoContext(ctx, "dispatch.tool_call.unknown_tool")
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.ToolID)
	}

	if vr := d.validator.ValidateInput(tool.InputSchema, req.Arguments); !vr.Valid {
		log.InfoContext(ctx, "dispatch.tool_call.invalid_args", slog.Int("violations", len(vr.Errors)))
		return nil, nil, &SchemaValidationError{Stage: "input", Result: vr}
	}

	exec := tool.Executor
	if exec == nil {
		return nil, nil, fmt.Errorf("%w: %s has no executor", ErrToolNotFound, req.ToolID)
	}
	if tool.OutputSchema != nil {
		exec = d.withOutputValidation(tool.OutputSchema, exec)
	}

	mode := d.resolveMode(req, tool)
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolID: req.ToolID, Mode: string(mode)})

	if mode == mcp.ModeAsync {
		handle, err := d.mgr.Submit(ctx, req, exec)
		if err != nil {
			return nil, nil, err
		}
		log.InfoContext(ctx, "dispatch.tool_call.accepted", slog.String("job_id", handle.JobID))
		return nil, handle, nil
	}

	start := time.Now()
	out, err := runContained(ctx, req.Arguments, exec)
	if err != nil {
		var sve *SchemaValidationError
		if errors.As(err, &sve) {
			log.InfoContext(ctx, "dispatch.tool_call.invalid_output", slog.Int("violations", len(sve.Result.Errors)))
			return nil, nil, sve
		}
		log.InfoContext(ctx, "dispatch.tool_call.failed",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		return &mcp.JobResult{RequestID: req.RequestID, Status: mcp.ResultStatusError, Error: err.Error()}, nil, nil
	}
	payload, merr := json.Marshal(out)
	if merr != nil {
		return &mcp.JobResult{
			RequestID: req.RequestID,
			Status:    mcp.ResultStatusError,
			Error:     fmt.Sprintf("unencodable result: %v", merr),
		}, nil, nil
	}
	log.InfoContext(ctx, "dispatch.tool_call.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return &mcp.JobResult{RequestID: req.RequestID, Status: mcp.ResultStatusSuccess, Result: payload}, nil, nil
}

// RawOutcome is the result of routing a raw body. Origin is non-nil when the
// call arrived in the legacy envelope; Request and Origin are populated even
// when routing returns an error so transports can shape error responses for
// legacy callers.
type RawOutcome struct {
	Request *mcp.ToolCallRequest
	Result  *mcp.JobResult
	Handle  *mcp.JobHandle
	Origin  *compat.LegacyOrigin
}

// RouteRaw detects the envelope of a raw tool call body, converts legacy
// requests, and routes the normalized call.
func (d *Dispatcher) RouteRaw(ctx context.Context, raw []byte) (*RawOutcome, error) {
	req, origin := compat.ConvertToModern(raw)
	if origin != nil {
		d.log.DebugContext(ctx, "dispatch.legacy_call",
			slog.String("client_id", origin.ClientID),
			slog.String("client_version", origin.MCPVersion),
			slog.String("tool_id", req.ToolID),
		)
	}
	out := &RawOutcome{Request: req, Origin: origin}
	res, handle, err := d.RouteToolCall(ctx, req)
	if err != nil {
		return out, err
	}
	out.Result = res
	out.Handle = handle
	return out, nil
}

// PollJob returns a snapshot of the identified job.
func (d *Dispatcher) PollJob(ctx context.Context, jobID string) (*mcp.Job, error) {
	return d.mgr.Poll(ctx, jobID)
}

// PollAfter suggests how long a caller should wait before polling jobID again.
func (d *Dispatcher) PollAfter(jobID string) time.Duration {
	return d.mgr.PollAfter(jobID)
}

// ResumeJob blocks until the identified job settles, the caller's context
// ends, or the job's TTL forces a terminal answer.
func (d *Dispatcher) ResumeJob(ctx context.Context, jobID string) (*mcp.JobResult, error) {
	return d.mgr.Resume(ctx, jobID)
}

// CancelJob requests cancellation of a live job and reports whether the job
// transitioned to cancelled.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return d.mgr.Cancel(ctx, jobID)
}

// ListJobs pages through tracked jobs, newest first.
func (d *Dispatcher) ListJobs(ctx context.Context, opts jobs.ListOptions) (*jobs.ListResult, error) {
	return d.mgr.List(ctx, opts)
}

// Run publishes server metadata once, when a registry publisher is
// configured, then watches the tool catalog for changes until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.publisher != nil {
		d.publishOnce.Do(func() { d.publishMetadata(ctx) })
	}

	ch := d.set.Subscriber()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				// Catalog notifications shut down; keep serving until ctx ends.
				<-ctx.Done()
				return ctx.Err()
			}
			d.log.InfoContext(ctx, "dispatch.tools_changed", slog.Int("tools", d.set.Len()))
		}
	}
}

func (d *Dispatcher) publishMetadata(ctx context.Context) {
	md := &registry.Metadata{ServerHandshake: *d.ServerHandshake(), Endpoint: d.endpoint}
	if err := d.publisher.Publish(ctx, md); err != nil {
		d.log.ErrorContext(ctx, "dispatch.registry_publish.fail", slog.String("err", err.Error()))
		return
	}
	d.log.InfoContext(ctx, "dispatch.registry_publish.ok", slog.String("server_id", d.serverID))
}

func (d *Dispatcher) resolveMode(req *mcp.ToolCallRequest, t *tools.Tool) mcp.Mode {
	switch req.Mode {
	case mcp.ModeSync, mcp.ModeAsync:
		return req.Mode
	}
	switch t.DefaultMode {
	case mcp.ModeSync, mcp.ModeAsync:
		return t.DefaultMode
	}
	if d.asyncDefault {
		return mcp.ModeAsync
	}
	return mcp.ModeSync
}

func (d *Dispatcher) withOutputValidation(out *schema.Schema, exec jobs.ExecutorFunc) jobs.ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage, report jobs.ProgressFunc) (any, error) {
		res, err := exec(ctx, args, report)
		if err != nil {
			return nil, err
		}
		if vr := d.validator.ValidateOutput(out, res); !vr.Valid {
			return nil, &SchemaValidationError{Stage: "output", Result: vr}
		}
		return res, nil
	}
}

// runContained executes a tool inline with the same panic containment the
// job manager applies. Progress reports have nowhere to land in sync mode
// and are dropped.
func runContained(ctx context.Context, args json.RawMessage, exec jobs.ExecutorFunc) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, args, func(int) {})
}
