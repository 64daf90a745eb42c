// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/walker77/paygate-mcp-sub009/pkg/versions"
)

// handleOpenAPI serves a minimal document naming the public surface. The
// admin endpoints are intentionally not described here.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "paygate",
			"version": versions.GetVersionInfo().Version,
		},
		"paths": map[string]any{
			"/mcp": map[string]any{
				"post":   map[string]any{"summary": "JSON-RPC 2.0 request surface"},
				"get":    map[string]any{"summary": "SSE notification channel"},
				"delete": map[string]any{"summary": "Destroy session"},
			},
			"/balance": map[string]any{
				"get": map[string]any{"summary": "Caller credit balance (X-API-Key)"},
			},
			"/ready": map[string]any{
				"get": map[string]any{"summary": "Readiness probe"},
			},
			"/oauth/register": map[string]any{
				"post": map[string]any{"summary": "Dynamic client registration (RFC 7591)"},
			},
			"/oauth/authorize": map[string]any{
				"get": map[string]any{"summary": "Authorization endpoint (PKCE S256 required)"},
			},
			"/oauth/token": map[string]any{
				"post": map[string]any{"summary": "Token endpoint"},
			},
			"/oauth/revoke": map[string]any{
				"post": map[string]any{"summary": "Token revocation (RFC 7009)"},
			},
			"/.well-known/oauth-authorization-server": map[string]any{
				"get": map[string]any{"summary": "Authorization server metadata (RFC 8414)"},
			},
			"/metrics": map[string]any{
				"get": map[string]any{"summary": "Prometheus text exposition"},
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}
