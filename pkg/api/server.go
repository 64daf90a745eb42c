// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the HTTP surface: the /mcp proxy mount, the admin
// endpoints, the OAuth endpoints, metrics, and the self-description routes.
package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/gate"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/oauth"
	"github.com/walker77/paygate-mcp-sub009/pkg/proxy"
	"github.com/walker77/paygate-mcp-sub009/pkg/quota"
	"github.com/walker77/paygate-mcp-sub009/pkg/webhook"
)

// Server wires every component behind one router.
type Server struct {
	keys    *keystore.Store
	gate    *gate.Gate
	quotas  *quota.Meter
	hooks   *webhook.Router
	tokens  *oauth.Server
	auditor *audit.Logger
	mcp     *proxy.Handler
	metrics *Metrics

	adminKey     string
	adminLimiter *ipLimiter
	issuer       string

	maintenance atomic.Bool
}

// Options carries the server's construction parameters.
type Options struct {
	// AdminKey authenticates the admin surface; empty disables it.
	AdminKey string
	// Issuer is the external base URL for OAuth metadata.
	Issuer string
}

// NewServer creates the HTTP server assembly.
func NewServer(
	keys *keystore.Store,
	g *gate.Gate,
	quotas *quota.Meter,
	hooks *webhook.Router,
	tokens *oauth.Server,
	auditor *audit.Logger,
	mcp *proxy.Handler,
	metrics *Metrics,
	opts Options,
) *Server {
	return &Server{
		keys:         keys,
		gate:         g,
		quotas:       quotas,
		hooks:        hooks,
		tokens:       tokens,
		auditor:      auditor,
		mcp:          mcp,
		metrics:      metrics,
		adminKey:     opts.AdminKey,
		adminLimiter: newIPLimiter(adminRatePerSecond, adminRatePerSecond*2),
		issuer:       opts.Issuer,
	}
}

// SetMaintenance toggles maintenance mode.
func (s *Server) SetMaintenance(on bool) {
	s.maintenance.Store(on)
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	// Public surface, gated by maintenance mode.
	r.Group(func(r chi.Router) {
		r.Use(s.maintenanceGuard)
		r.Mount("/mcp", s.mcp.Routes())
		r.Get("/balance", s.handleBalance)
		r.Get("/", s.handleRoot)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Get("/robots.txt", s.handleRobots)

		// OAuth surface.
		r.Post("/oauth/register", s.handleOAuthRegister)
		r.Get("/oauth/authorize", s.handleOAuthAuthorize)
		r.Post("/oauth/token", s.handleOAuthToken)
		r.Post("/oauth/revoke", s.handleOAuthRevoke)
		r.Get("/.well-known/oauth-authorization-server", s.handleOAuthMetadata)
	})

	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Admin surface.
	if s.adminKey != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)

			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys", s.handleListKeys)
			r.Post("/keys/revoke", s.handleRevokeKey)
			r.Post("/keys/suspend", s.handleSuspendKey)
			r.Post("/keys/resume", s.handleResumeKey)
			r.Post("/keys/acl", s.handleKeyACL)
			r.Post("/keys/expiry", s.handleKeyExpiry)
			r.Post("/keys/tags", s.handleKeyTags)
			r.Post("/keys/ip", s.handleKeyIP)
			r.Post("/keys/alias", s.handleKeyAlias)
			r.Post("/keys/delete", s.handleDeleteKey)
			r.Get("/keys/health", s.handleKeyHealth)
			r.Get("/keys/dashboard", s.handleKeyDashboard)
			r.Get("/keys/export", s.handleExportKeys)
			r.Post("/keys/import", s.handleImportKeys)
			r.Post("/topup", s.handleTopUp)
			r.Post("/limits", s.handleSpendingLimit)
			r.Post("/limits/tools", s.handleToolRateLimit)

			r.Get("/groups", s.handleListGroups)
			r.Post("/groups", s.handleCreateGroup)
			r.Post("/groups/update", s.handleUpdateGroup)
			r.Post("/groups/delete", s.handleDeleteGroup)
			r.Post("/groups/assign", s.handleAssignGroup)
			r.Post("/groups/remove", s.handleRemoveFromGroup)

			r.Get("/webhooks/filters", s.handleListFilters)
			r.Post("/webhooks/filters", s.handleSetFilter)
			r.Post("/webhooks/filters/update", s.handleSetFilter)
			r.Post("/webhooks/filters/delete", s.handleDeleteFilter)
			r.Get("/webhooks/stats", s.handleWebhookStats)
			r.Get("/webhooks/deadletters", s.handleDeadLetters)

			r.Get("/audit", s.handleAudit)
			r.Get("/audit/stats", s.handleAuditStats)
			r.Get("/audit/export", s.handleAuditExport)

			r.Post("/oauth/bind", s.handleOAuthBind)
			r.Post("/maintenance", s.handleMaintenance)
		})
	}

	return r
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
