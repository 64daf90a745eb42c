// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the authenticated JSON-RPC surface at /mcp: method
// routing, session lifecycle, gate admission for tools/call, upstream
// forwarding with refund-on-failure, usage events, and SSE streaming.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/errors"
	"github.com/walker77/paygate-mcp-sub009/pkg/gate"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/oauth"
	"github.com/walker77/paygate-mcp-sub009/pkg/ratelimit"
	"github.com/walker77/paygate-mcp-sub009/pkg/session"
	"github.com/walker77/paygate-mcp-sub009/pkg/upstream"
	"github.com/walker77/paygate-mcp-sub009/pkg/webhook"
)

// SessionHeader carries the MCP session identifier on requests and responses.
const SessionHeader = "Mcp-Session-Id"

// maxBodyBytes caps an inbound JSON-RPC request body.
const maxBodyBytes = 4 << 20

// MetricsRecorder receives proxy outcomes; implementations must be cheap and
// non-blocking. A nil recorder disables metrics.
type MetricsRecorder interface {
	Admission(allowed bool, reason string)
	UpstreamError()
	Sessions(count int)
}

// Options carries the proxy's construction parameters.
type Options struct {
	// RefundOnFailure refunds the charge when the upstream answers a gated
	// call with a JSON-RPC error.
	RefundOnFailure bool
	// UpstreamTimeout bounds one upstream round trip.
	UpstreamTimeout time.Duration
	// SessionRatePerMinute bounds session creation per client IP. 0 disables
	// the limit.
	SessionRatePerMinute int
	// KeepAliveInterval paces SSE keep-alive comments on the GET stream.
	KeepAliveInterval time.Duration
}

// Handler is the /mcp endpoint.
type Handler struct {
	gate     *gate.Gate
	tokens   *oauth.Server
	sessions *session.Manager
	up       upstream.Transport
	hooks    *webhook.Router
	auditor  *audit.Logger
	metrics  MetricsRecorder

	refundOnFailure bool
	upstreamTimeout time.Duration
	keepAlive       time.Duration

	// sessionLimiter bounds session creation per client IP.
	sessionLimiter *ratelimit.Limiter
}

// NewHandler creates the /mcp handler. tokens and metrics may be nil.
func NewHandler(
	g *gate.Gate,
	tokens *oauth.Server,
	sessions *session.Manager,
	up upstream.Transport,
	hooks *webhook.Router,
	auditor *audit.Logger,
	metrics MetricsRecorder,
	opts Options,
) *Handler {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = upstream.DefaultHTTPTimeout
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 15 * time.Second
	}
	h := &Handler{
		gate:            g,
		tokens:          tokens,
		sessions:        sessions,
		up:              up,
		hooks:           hooks,
		auditor:         auditor,
		metrics:         metrics,
		refundOnFailure: opts.RefundOnFailure,
		upstreamTimeout: opts.UpstreamTimeout,
		keepAlive:       opts.KeepAliveInterval,
	}
	if opts.SessionRatePerMinute > 0 {
		h.sessionLimiter = ratelimit.NewLimiter(opts.SessionRatePerMinute, time.Minute)
	}
	return h
}

// Routes mounts the /mcp verbs on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handlePost)
	r.Get("/", h.handleStream)
	r.Delete("/", h.handleDelete)
	return r
}

// resolveCredential returns the API key for the request: X-API-Key first,
// then a bearer token validated through the OAuth server. Empty means
// unauthenticated.
func (h *Handler) resolveCredential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if bearer, ok := strings.CutPrefix(authz, "Bearer "); ok && h.tokens != nil {
		if info, valid := h.tokens.ValidateToken(strings.TrimSpace(bearer)); valid {
			return info.APIKey
		}
	}
	return ""
}

// resolveSession finds the request's session, creating one when the header is
// missing or names an unknown session. Creation is rate limited per client
// IP; a limited request gets a 429 written and returns ok=false.
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, keyID string) (*session.Session, bool) {
	if id := r.Header.Get(SessionHeader); id != "" {
		if s, ok := h.sessions.Get(id); ok {
			return s, true
		}
		// Unknown id: soft-recover by creating a new session.
	}

	ip := clientIP(r)
	if h.sessionLimiter != nil {
		res := h.sessionLimiter.Check(r.Context(), ip)
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
			http.Error(w, "session creation rate limit exceeded", http.StatusTooManyRequests)
			return nil, false
		}
		h.sessionLimiter.Record(r.Context(), ip)
	}

	s := h.sessions.Create(keyID, "")
	if h.metrics != nil {
		h.metrics.Sessions(h.sessions.Count())
	}
	return s, true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := parseRequest(body)
	if err != nil {
		// Parse failures never reach the gate and never consume credits.
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}

	keyID := h.resolveCredential(r)
	sess, ok := h.resolveSession(w, r, keyID)
	if !ok {
		return
	}

	var resp []byte
	switch req.Method {
	case methodToolsCall:
		resp = h.handleToolsCall(r.Context(), req, body, keyID, clientIP(r))
	case methodInitialize:
		sess.MarkInitialized()
		resp = h.forward(r.Context(), req, body)
	case methodToolsList, methodPing:
		resp = h.forward(r.Context(), req, body)
	default:
		// Unknown methods pass through ungated; the upstream owns its own
		// method surface.
		resp = h.forward(r.Context(), req, body)
	}

	w.Header().Set(SessionHeader, sess.ID)
	if resp == nil {
		// Notification: nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if acceptsSSE(r) {
		writeSSEResponse(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// handleToolsCall gates, forwards, and settles one tool call.
func (h *Handler) handleToolsCall(ctx context.Context, req *jsonrpc2.Request, body []byte, keyID, ip string) []byte {
	tool := gjson.GetBytes(body, "params.name").String()
	if tool == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "tools/call requires params.name")
	}

	decision := h.gate.Evaluate(ctx, keyID, tool, ip)
	if h.metrics != nil {
		h.metrics.Admission(decision.Allowed, decision.Reason)
	}

	if !decision.Allowed {
		h.emitUsage(decision, tool)
		return errorResponse(req.ID, CodePaymentRequired, "payment required: "+decision.Reason)
	}

	resp := h.forward(ctx, req, body)

	// A JSON-RPC error from the upstream refunds the reservation when
	// configured to.
	if h.refundOnFailure && decision.DebitApplied && gjson.GetBytes(resp, "error").Exists() {
		if err := h.gate.Refund(decision.Key, decision.CreditsCharged, "upstream_failure"); err != nil {
			logger.Warnf("Refund after upstream failure failed for %s: %v", keystore.MaskID(decision.Key), err)
		}
	}

	h.emitUsage(decision, tool)
	return resp
}

// forward sends the request upstream and returns the correlated response. A
// transport failure maps to -32603 and, for gated calls, the caller handles
// the refund via the error-shaped response.
func (h *Handler) forward(ctx context.Context, req *jsonrpc2.Request, body []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
	defer cancel()

	resp, err := h.up.Send(ctx, body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.UpstreamError()
		}
		if h.auditor != nil {
			h.auditor.Record(audit.EventTypeGateUpstreamError, "", err.Error(), nil)
		}
		if errors.IsUpstream(err) {
			logger.Warnf("Upstream forwarding failed: %v", err)
		} else {
			logger.Errorf("Unexpected upstream error: %v", err)
		}
		if !req.ID.IsValid() {
			return nil
		}
		return errorResponse(req.ID, CodeInternalError, "upstream request failed")
	}
	return resp
}

// emitUsage publishes one usage event for a gated call, allowed or denied.
func (h *Handler) emitUsage(decision gate.Decision, tool string) {
	if h.hooks == nil {
		return
	}
	h.hooks.Emit(&webhook.Event{
		Type:    webhook.EventTypeUsage,
		Key:     keystore.MaskID(decision.Key),
		Tool:    tool,
		Credits: decision.CreditsCharged,
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	if !h.sessions.Delete(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if h.metrics != nil {
		h.metrics.Sessions(h.sessions.Count())
	}
	w.WriteHeader(http.StatusOK)
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// clientIP extracts the caller address, preferring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
