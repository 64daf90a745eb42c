// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/oauth"
)

// oauthError writes an RFC 6749 error body with the matching status.
func oauthError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, oauth.ErrInvalidClient) {
		status = http.StatusUnauthorized
	}
	code := "invalid_request"
	for _, sentinel := range []error{
		oauth.ErrInvalidClient, oauth.ErrInvalidGrant, oauth.ErrInvalidRequest,
		oauth.ErrInvalidScope, oauth.ErrUnauthorizedClient,
	} {
		if errors.Is(err, sentinel) {
			code = sentinel.Error()
			break
		}
	}
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": err.Error(),
	})
}

func (s *Server) handleOAuthRegister(w http.ResponseWriter, r *http.Request) {
	var req oauth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	client, err := s.tokens.RegisterClient(&req)
	if err != nil {
		oauthError(w, err)
		return
	}
	s.auditor.Record(audit.EventTypeOAuthClientRegistered, client.ID, "client registered: "+client.Name, nil)
	writeJSON(w, http.StatusCreated, client)
}

// handleOAuthAuthorize issues a code and redirects back to the client. There
// is no interactive consent page; the client must already be bound to an API
// key by the operator.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, "response_type must be code")
		return
	}
	if method := q.Get("code_challenge_method"); method != "" && method != "S256" {
		writeError(w, http.StatusBadRequest, "code_challenge_method must be S256")
		return
	}

	code, err := s.tokens.CreateAuthCode(
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("scope"),
		q.Get("code_challenge"),
	)
	if err != nil {
		oauthError(w, err)
		return
	}

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	params := redirect.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	var (
		pair *oauth.TokenPair
		err  error
	)
	switch r.PostFormValue("grant_type") {
	case string(oauth.GrantAuthorizationCode):
		pair, err = s.tokens.ExchangeCode(
			r.PostFormValue("code"),
			r.PostFormValue("client_id"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
	case string(oauth.GrantRefreshToken):
		pair, err = s.tokens.RefreshAccessToken(
			r.PostFormValue("refresh_token"),
			r.PostFormValue("client_id"),
			r.PostFormValue("scope"),
		)
	case string(oauth.GrantClientCredentials):
		pair, err = s.tokens.ClientCredentials(
			r.PostFormValue("client_id"),
			r.PostFormValue("client_secret"),
			r.PostFormValue("scope"),
		)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if err != nil {
		oauthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	s.tokens.Revoke(token)
	s.auditor.Record(audit.EventTypeOAuthTokenRevoked, "", "token family revoked", nil)
	// RFC 7009: revocation always reports success.
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOAuthMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tokens.ServerMetadata(s.issuer))
}

type bindRequest struct {
	ClientID string `json:"client_id"`
	Key      string `json:"key"`
}

func (s *Server) handleOAuthBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(r, &req); err != nil || req.ClientID == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "client_id and key are required")
		return
	}
	if _, ok := s.keys.Get(req.Key); !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err := s.tokens.BindAPIKey(req.ClientID, req.Key); err != nil {
		oauthError(w, err)
		return
	}
	s.auditor.Record(audit.EventTypeKeyUpdated, req.ClientID, "client bound to API key", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
