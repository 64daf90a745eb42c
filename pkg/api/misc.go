// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/versions"
)

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.maintenance.Load() {
		writeError(w, http.StatusServiceUnavailable, "maintenance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBalance is the caller self-query: it authenticates with the API key,
// not the admin key.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-API-Key")
	if id == "" {
		writeError(w, http.StatusUnauthorized, "X-API-Key header required")
		return
	}
	key, ok := s.keys.Get(id)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     keystore.MaskID(key.ID),
		"balance": key.Balance,
		"spent":   key.Spent,
		"calls":   key.Calls,
		"state":   key.State(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "paygate",
		"version": versions.GetVersionInfo().Version,
		"mcp":     "/mcp",
		"oauth":   "/.well-known/oauth-authorization-server",
	})
}

func (*Server) handleRobots(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.SetMaintenance(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": req.Enabled})
}
