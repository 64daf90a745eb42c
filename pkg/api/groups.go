// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
)

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.ListGroups())
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g keystore.Group
	if err := decodeBody(r, &g); err != nil || g.Name == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return
	}
	if err := s.keys.CreateGroup(&g); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeGroupChanged, "", "group created: "+g.Name, nil)
	writeJSON(w, http.StatusCreated, &g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var g keystore.Group
	if err := decodeBody(r, &g); err != nil || g.Name == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return
	}
	if err := s.keys.UpdateGroup(&g); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeGroupChanged, "", "group updated: "+g.Name, nil)
	writeJSON(w, http.StatusOK, &g)
}

type groupNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	var req groupNameRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return
	}
	if err := s.keys.DeleteGroup(req.Name); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeGroupChanged, "", "group deleted: "+req.Name, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type groupMemberRequest struct {
	Key   string `json:"key"`
	Group string `json:"group,omitempty"`
}

func (s *Server) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	var req groupMemberRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" || req.Group == "" {
		writeError(w, http.StatusBadRequest, "key and group are required")
		return
	}
	if err := s.keys.AssignGroup(req.Key, req.Group); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeGroupChanged, keystore.MaskID(req.Key), "assigned to group "+req.Group, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveFromGroup(w http.ResponseWriter, r *http.Request) {
	var req groupMemberRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.keys.RemoveFromGroup(req.Key); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeGroupChanged, keystore.MaskID(req.Key), "removed from group", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
