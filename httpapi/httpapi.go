// Package httpapi exposes a dispatch.Dispatcher over plain HTTP. Protocol
// outcomes that are data (negotiation failures, schema violations, job
// state) come back as JSON bodies with meaningful status codes; transport
// misuse (wrong media type, malformed bearer credentials) gets RFC-shaped
// rejections.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/tannht/mcp-compliance-go/compat"
	"github.com/tannht/mcp-compliance-go/dispatch"
	"github.com/tannht/mcp-compliance-go/internal/jwtauth"
	"github.com/tannht/mcp-compliance-go/internal/logctx"
	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	pollAfterHeader       = "Poll-After"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// Config carries the dependencies of a Handler. ServerURL and Dispatcher are
// required.
type Config struct {
	// ServerURL is the public base URL the handler is reachable at. Routes
	// are registered beneath its path component.
	ServerURL string

	// Dispatcher fronts every protocol operation.
	Dispatcher *dispatch.Dispatcher

	// Authenticator, when non-nil, gates every route behind bearer token
	// authentication.
	Authenticator jwtauth.Authenticator

	// Realm names the protection space in WWW-Authenticate challenges.
	// Defaults to the advertised server name.
	Realm string

	// LogHandler receives structured logs. Defaults to the slog default
	// handler.
	LogHandler slog.Handler
}

// Handler serves the compliance API over HTTP.
type Handler struct {
	log   *slog.Logger
	disp  *dispatch.Dispatcher
	auth  jwtauth.Authenticator
	realm string
	mux   *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// New builds a Handler for the given public base URL and starts the
// dispatcher's run loop on ctx. The context must remain alive for as long as
// the handler serves requests.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url must include a host")
	}

	logHandler := cfg.LogHandler
	if logHandler == nil {
		logHandler = slog.Default().Handler()
	}
	log := slog.New(logctx.Handler{Handler: logHandler})

	realm := cfg.Realm
	if realm == "" {
		realm = cfg.Dispatcher.ServerHandshake().ServerInfo.Name
	}

	h := &Handler{
		log:   log,
		disp:  cfg.Dispatcher,
		auth:  cfg.Authenticator,
		realm: realm,
	}

	base := pathOnly(u)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path.Join(base, "handshake")), h.handleHandshake)
	mux.HandleFunc(fmt.Sprintf("POST %s", path.Join(base, "tools/call")), h.handleToolCall)
	mux.HandleFunc(fmt.Sprintf("GET %s", path.Join(base, "jobs")), h.handleListJobs)
	mux.HandleFunc(fmt.Sprintf("GET %s", path.Join(base, "jobs/{id}")), h.handlePollJob)
	mux.HandleFunc(fmt.Sprintf("POST %s", path.Join(base, "jobs/{id}/resume")), h.handleResumeJob)
	mux.HandleFunc(fmt.Sprintf("POST %s", path.Join(base, "jobs/{id}/cancel")), h.handleCancelJob)
	h.mux = mux

	go func() {
		if err := h.disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorContext(ctx, "httpapi.dispatcher.exit", slog.String("err", err.Error()))
		}
	}()

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleHandshake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}
	if !h.requireJSONBody(ctx, w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	hs, res := h.disp.HandleHandshakeRaw(ctx, sessionID, body)
	w.Header().Set(sessionIDHeader, sessionID)
	if !res.Success {
		h.log.InfoContext(ctx, "http.handshake.reject",
			slog.String("err", res.Error),
			slog.Duration("dur", time.Since(start)),
		)
		writeJSON(w, http.StatusConflict, res)
		return
	}
	h.log.InfoContext(ctx, "http.handshake.ok",
		slog.String("agreed_version", res.AgreedVersion),
		slog.Duration("dur", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, hs)
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}
	if !h.requireJSONBody(ctx, w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	out, err := h.disp.RouteRaw(ctx, body)
	if err != nil {
		h.writeToolCallError(ctx, w, out, err)
		return
	}

	if out.Handle != nil {
		w.Header().Set(pollAfterHeader, strconv.FormatInt(out.Handle.PollAfter, 10))
		h.log.InfoContext(ctx, "http.tool_call.accepted",
			slog.String("tool_id", out.Request.ToolID),
			slog.String("job_id", out.Handle.JobID),
			slog.Duration("dur", time.Since(start)),
		)
		writeJSON(w, http.StatusAccepted, out.Handle)
		return
	}

	h.log.InfoContext(ctx, "http.tool_call.ok",
		slog.String("tool_id", out.Request.ToolID),
		slog.Duration("dur", time.Since(start)),
	)
	if out.Origin != nil {
		writeJSON(w, http.StatusOK, compat.ConvertToLegacy(out.Result))
		return
	}
	writeJSON(w, http.StatusOK, out.Result)
}

// writeToolCallError maps routing errors onto status codes. Legacy callers
// get their answer re-wrapped in the legacy envelope.
func (h *Handler) writeToolCallError(ctx context.Context, w http.ResponseWriter, out *dispatch.RawOutcome, err error) {
	var sve *dispatch.SchemaValidationError
	switch {
	case errors.As(err, &sve):
		h.log.InfoContext(ctx, "http.tool_call.invalid", slog.String("stage", sve.Stage))
		if out != nil && out.Origin != nil {
			writeJSON(w, http.StatusUnprocessableEntity, compat.ConvertToLegacy(legacyError(out, sve.Error())))
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, sve.Result)
	case errors.Is(err, dispatch.ErrToolNotFound):
		h.log.InfoContext(ctx, "http.tool_call.unknown_tool", slog.String("err", err.Error()))
		if out != nil && out.Origin != nil {
			writeJSON(w, http.StatusNotFound, compat.ConvertToLegacy(legacyError(out, err.Error())))
			return
		}
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrCapacityExceeded):
		h.log.InfoContext(ctx, "http.tool_call.over_capacity")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, jobs.ErrManagerClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.ErrorContext(ctx, "http.tool_call.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func legacyError(out *dispatch.RawOutcome, msg string) *mcp.JobResult {
	res := &mcp.JobResult{Status: mcp.ResultStatusError, Error: msg}
	if out.Request != nil {
		res.RequestID = out.Request.RequestID
	}
	return res
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}

	var opts jobs.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("status"); v != "" {
		st := mcp.JobStatus(v)
		if !mcp.IsValidJobStatus(st) {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown job status %q", v))
			return
		}
		opts.Status = st
	}

	res, err := h.disp.ListJobs(ctx, opts)
	if err != nil {
		h.log.ErrorContext(ctx, "http.jobs.list.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.DebugContext(ctx, "http.jobs.list.ok", slog.Int("total", res.Total))
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePollJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}

	jobID := r.PathValue("id")
	job, err := h.disp.PollJob(ctx, jobID)
	if err != nil {
		h.writeJobError(ctx, w, jobID, err)
		return
	}
	ctx = logctx.WithJobData(ctx, &logctx.JobData{JobID: jobID, Status: string(job.Status)})
	w.Header().Set(pollAfterHeader, strconv.FormatInt(h.disp.PollAfter(jobID).Milliseconds(), 10))
	h.log.DebugContext(ctx, "http.jobs.poll.ok")
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}

	jobID := r.PathValue("id")
	res, err := h.disp.ResumeJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, http.StatusRequestTimeout, "resume interrupted")
			return
		}
		h.writeJobError(ctx, w, jobID, err)
		return
	}
	h.log.InfoContext(ctx, "http.jobs.resume.ok",
		slog.String("job_id", jobID),
		slog.String("status", string(res.Status)),
		slog.Duration("dur", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorize(ctx, r, w) {
		return
	}
	if !h.acceptsJSON(ctx, w, r) {
		return
	}

	jobID := r.PathValue("id")
	cancelled, err := h.disp.CancelJob(ctx, jobID)
	if err != nil {
		h.writeJobError(ctx, w, jobID, err)
		return
	}
	h.log.InfoContext(ctx, "http.jobs.cancel.ok",
		slog.String("job_id", jobID),
		slog.Bool("cancelled", cancelled),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *Handler) writeJobError(ctx context.Context, w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.log.InfoContext(ctx, "http.jobs.not_found", slog.String("job_id", jobID))
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	h.log.ErrorContext(ctx, "http.jobs.err",
		slog.String("job_id", jobID),
		slog.String("err", err.Error()),
	)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

// authorize enforces bearer authentication when an authenticator is
// configured. The challenge response is written before returning false.
func (h *Handler) authorize(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.auth == nil {
		return true
	}
	if userInfo := h.checkAuthentication(ctx, r, w); userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return false
	}
	return true
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) jwtauth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: a request carrying no authentication information
		// gets a bare challenge without an error code.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			// Authentication attempted but token invalid -> 401 invalid_token
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			// Auth succeeded but insufficient privileges -> 403 insufficient_scope
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}

		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Parameter order follows RFC 6750 examples: realm, error, error_description.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *Handler) requireJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.InfoContext(ctx, "http.unsupported_media_type", slog.String("content_type", r.Header.Get("Content-Type")))
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return false
	}
	return true
}

func (h *Handler) acceptsJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	acc := r.Header.Get("Accept")
	if acc == "" {
		return true
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must admit application/json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// pathOnly returns the path component of a URL, or "/" when the URL has no
// path.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
