// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/ratelimit"
)

// keystoreStatus maps keystore sentinels to HTTP statuses.
func keystoreStatus(err error) int {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound),
		errors.Is(err, keystore.ErrAliasNotFound),
		errors.Is(err, keystore.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, keystore.ErrKeyAlreadyExists),
		errors.Is(err, keystore.ErrDuplicateAlias),
		errors.Is(err, keystore.ErrGroupAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, keystore.ErrKeyRevoked):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

type createKeyRequest struct {
	Name          string              `json:"name"`
	Credits       uint64              `json:"credits"`
	AllowedTools  []string            `json:"allowed_tools,omitempty"`
	DeniedTools   []string            `json:"denied_tools,omitempty"`
	Pricing       map[string]uint64   `json:"pricing,omitempty"`
	DefaultPrice  uint64              `json:"default_price,omitempty"`
	SpendingLimit uint64              `json:"spending_limit,omitempty"`
	IPAllowlist   []string            `json:"ip_allowlist,omitempty"`
	Tags          map[string]string   `json:"tags,omitempty"`
	Namespace     string              `json:"namespace,omitempty"`
	Group         string              `json:"group,omitempty"`
	Quota         *keystore.Quota     `json:"quota,omitempty"`
	RateLimit     *keystore.RateLimit `json:"rate_limit,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := s.keys.CreateKey(req.Name, req.Credits, keystore.CreateOptions{
		AllowedTools:  req.AllowedTools,
		DeniedTools:   req.DeniedTools,
		Pricing:       req.Pricing,
		DefaultPrice:  req.DefaultPrice,
		SpendingLimit: req.SpendingLimit,
		IPAllowlist:   req.IPAllowlist,
		Tags:          req.Tags,
		Namespace:     req.Namespace,
		Group:         req.Group,
		Quota:         req.Quota,
		RateLimit:     req.RateLimit,
		Metadata:      req.Metadata,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}

	s.auditor.Record(audit.EventTypeKeyCreated, keystore.MaskID(key.ID), "key created: "+key.Name, nil)
	if s.metrics != nil {
		s.metrics.Keys(s.keys.Count())
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := keystore.ListFilter{
		NamePrefix: q.Get("name_prefix"),
		Sort:       q.Get("sort"),
	}
	if v := q.Get("namespace"); v != "" {
		filter.Namespace = &v
	}
	if v := q.Get("group"); v != "" {
		filter.Group = &v
	}
	if v := q.Get("active"); v != "" {
		b := v == "true"
		filter.Active = &b
	}
	if v := q.Get("suspended"); v != "" {
		b := v == "true"
		filter.Suspended = &b
	}
	if v := q.Get("expired"); v != "" {
		b := v == "true"
		filter.Expired = &b
	}
	if v := q.Get("min_credits"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.MinCredits = &n
		}
	}
	if v := q.Get("max_credits"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.MaxCredits = &n
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	writeJSON(w, http.StatusOK, s.keys.List(filter))
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.keys.Revoke(req.Key); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyRevoked, keystore.MaskID(req.Key), "key revoked", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleSuspendKey(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, true, audit.EventTypeKeySuspended, "key suspended")
}

func (s *Server) handleResumeKey(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, false, audit.EventTypeKeyResumed, "key resumed")
}

func (s *Server) setSuspended(w http.ResponseWriter, r *http.Request, suspended bool, event, message string) {
	var req keyRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{Suspended: &suspended})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(event, keystore.MaskID(key.ID), message, nil)
	writeJSON(w, http.StatusOK, key)
}

type aclRequest struct {
	Key          string   `json:"key"`
	AllowedTools []string `json:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools"`
}

func (s *Server) handleKeyACL(w http.ResponseWriter, r *http.Request) {
	var req aclRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
	})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(key.ID), "key ACL updated", nil)
	writeJSON(w, http.StatusOK, key)
}

type expiryRequest struct {
	Key string `json:"key"`
	// ExpiresAt null clears the expiry.
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleKeyExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	expiry := req.ExpiresAt
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{ExpiresAt: &expiry})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(key.ID), "key expiry updated", nil)
	writeJSON(w, http.StatusOK, key)
}

type tagsRequest struct {
	Key  string            `json:"key"`
	Tags map[string]string `json:"tags"`
}

func (s *Server) handleKeyTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{Tags: req.Tags})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(key.ID), "key tags updated", nil)
	writeJSON(w, http.StatusOK, key)
}

type ipRequest struct {
	Key         string   `json:"key"`
	IPAllowlist []string `json:"ip_allowlist"`
}

func (s *Server) handleKeyIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{IPAllowlist: req.IPAllowlist})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(key.ID), "key IP allowlist updated", nil)
	writeJSON(w, http.StatusOK, key)
}

type aliasRequest struct {
	Key    string `json:"key"`
	Alias  string `json:"alias"`
	Remove bool   `json:"remove,omitempty"`
}

func (s *Server) handleKeyAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" || req.Alias == "" {
		writeError(w, http.StatusBadRequest, "key and alias are required")
		return
	}
	var err error
	if req.Remove {
		err = s.keys.RemoveAlias(req.Key, req.Alias)
	} else {
		err = s.keys.RegisterAlias(req.Key, req.Alias)
	}
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(req.Key), "key alias updated", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.keys.Delete(req.Key); err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyDeleted, keystore.MaskID(req.Key), "key deleted", nil)
	if s.metrics != nil {
		s.metrics.Keys(s.keys.Count())
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type topUpRequest struct {
	Key     string `json:"key"`
	Credits uint64 `json:"credits"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	balance, err := s.keys.TopUp(req.Key, req.Credits)
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeTopUp, keystore.MaskID(req.Key),
		"credits added: "+strconv.FormatUint(req.Credits, 10), nil)
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

type spendingLimitRequest struct {
	Key   string `json:"key"`
	Limit uint64 `json:"limit"`
}

func (s *Server) handleSpendingLimit(w http.ResponseWriter, r *http.Request) {
	var req spendingLimitRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	key, err := s.keys.UpdateMeta(req.Key, keystore.MetaPatch{SpendingLimit: &req.Limit})
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, keystore.MaskID(key.ID), "spending limit updated", nil)
	writeJSON(w, http.StatusOK, key)
}

type toolRateLimitRequest struct {
	Tool     string `json:"tool"`
	Limit    int    `json:"limit"`
	WindowMs int64  `json:"window_ms"`
	Active   bool   `json:"active"`
	Delete   bool   `json:"delete,omitempty"`
}

// handleToolRateLimit manages per-tool rate-limit rules on the gate.
func (s *Server) handleToolRateLimit(w http.ResponseWriter, r *http.Request) {
	var req toolRateLimitRequest
	if err := decodeBody(r, &req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	rules := s.gate.ToolRules()
	if req.Delete {
		rules.DeleteRule(req.Tool)
	} else {
		rules.SetRule(ratelimit.Rule{
			Tool:   req.Tool,
			Limit:  req.Limit,
			Window: time.Duration(req.WindowMs) * time.Millisecond,
			Active: req.Active,
		})
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, "", "tool rate limit updated: "+req.Tool, nil)
	writeJSON(w, http.StatusOK, rules.Rules())
}

func (s *Server) handleExportKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.Export())
}

type importRequest struct {
	Mode    string          `json:"mode"`
	Records []*keystore.Key `json:"records"`
}

func (s *Server) handleImportKeys(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stats, err := s.keys.Import(req.Records, keystore.ImportMode(req.Mode))
	if err != nil {
		writeError(w, keystoreStatus(err), err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.Keys(s.keys.Count())
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleKeyHealth projects one key's standing: lifecycle, balance, quota
// usage.
func (s *Server) handleKeyHealth(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("key")
	key, ok := s.keys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	dayCalls, monthCalls, dayCredits, monthCredits := s.quotas.Usage(key.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"key":           keystore.MaskID(key.ID),
		"state":         key.State(),
		"balance":       key.Balance,
		"spent":         key.Spent,
		"calls":         key.Calls,
		"day_calls":     dayCalls,
		"month_calls":   monthCalls,
		"day_credits":   dayCredits,
		"month_credits": monthCredits,
	})
}

// handleKeyDashboard is the richer projection: full key record plus quota
// standing.
func (s *Server) handleKeyDashboard(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("key")
	key, ok := s.keys.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	dayCalls, monthCalls, dayCredits, monthCredits := s.quotas.Usage(key.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"key": key,
		"usage": map[string]uint64{
			"day_calls":     dayCalls,
			"month_calls":   monthCalls,
			"day_credits":   dayCredits,
			"month_credits": monthCredits,
		},
	})
}
