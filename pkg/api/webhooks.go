// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/webhook"
)

func (s *Server) handleListFilters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hooks.Rules())
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var rule webhook.FilterRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	saved, err := s.hooks.SetRule(&rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeWebhookChanged, "", "webhook filter set: "+saved.ID, nil)
	writeJSON(w, http.StatusOK, saved)
}

type filterIDRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	var req filterIDRequest
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "filter id is required")
		return
	}
	if err := s.hooks.DeleteRule(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeWebhookChanged, "", "webhook filter deleted: "+req.ID, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hooks.StatsByURL())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, s.hooks.DeadLetters(url))
}
