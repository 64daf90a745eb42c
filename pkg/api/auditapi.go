// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
)

func auditQuery(r *http.Request) audit.Query {
	q := audit.Query{
		Type:  r.URL.Query().Get("type"),
		Actor: r.URL.Query().Get("actor"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		}
	}
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return q
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auditor.Events(auditQuery(r)))
}

func (s *Server) handleAuditStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.auditor.Stats())
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		if err := s.auditor.WriteCSV(w, auditQuery(r)); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to write CSV export")
		}
	case "json", "":
		writeJSON(w, http.StatusOK, s.auditor.Events(auditQuery(r)))
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or json")
	}
}
