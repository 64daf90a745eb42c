// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/gate"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/oauth"
	"github.com/walker77/paygate-mcp-sub009/pkg/proxy"
	"github.com/walker77/paygate-mcp-sub009/pkg/quota"
	"github.com/walker77/paygate-mcp-sub009/pkg/ratelimit"
	"github.com/walker77/paygate-mcp-sub009/pkg/session"
	"github.com/walker77/paygate-mcp-sub009/pkg/webhook"
)

const testAdminKey = "test-admin-key"

// echoTransport answers every request with a fixed result.
type echoTransport struct{}

func (echoTransport) Send(_ context.Context, body []byte) ([]byte, error) {
	id := gjson.GetBytes(body, "id")
	if !id.Exists() {
		return nil, nil
	}
	return []byte(`{"jsonrpc":"2.0","id":` + id.Raw + `,"result":{}}`), nil
}

func (echoTransport) Close() error { return nil }

type apiEnv struct {
	keys    *keystore.Store
	tokens  *oauth.Server
	auditor *audit.Logger
	srv     *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	keys := keystore.NewStore()
	quotas := quota.NewMeter(nil)
	auditor := audit.NewLogger()
	g := gate.New(keys, ratelimit.NewMemoryCounter(0), quotas, auditor, gate.Config{DefaultPrice: 1})
	hooks := webhook.NewRouter(webhook.Options{AllowPrivateIPs: true})
	t.Cleanup(hooks.Close)
	tokens := oauth.NewServer()
	t.Cleanup(tokens.Stop)
	sessions := session.NewManager(time.Minute)
	t.Cleanup(sessions.Stop)

	mcp := proxy.NewHandler(g, tokens, sessions, echoTransport{}, hooks, auditor, nil, proxy.Options{})
	s := NewServer(keys, g, quotas, hooks, tokens, auditor, mcp, nil, Options{
		AdminKey: testAdminKey,
		Issuer:   "https://gw.example",
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &apiEnv{keys: keys, tokens: tokens, auditor: auditor, srv: srv}
}

// admin issues an authenticated admin request and returns the response.
func (e *apiEnv) admin(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(AdminKeyHeader, testAdminKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	verifier = "api-test-verifier-0123456789abcdefghijklmnop"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func readJSON(t *testing.T, resp *http.Response) gjson.Result {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return gjson.ParseBytes(body)
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	// No key.
	resp, err := http.Get(env.srv.URL + "/keys")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong key.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/keys", nil)
	req.Header.Set(AdminKeyHeader, "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Failures are audited.
	events := env.auditor.Events(audit.Query{Type: audit.EventTypeAdminAuthFailed})
	assert.Len(t, events, 2)

	// Right key.
	resp = env.admin(t, http.MethodGet, "/keys", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	created := env.admin(t, http.MethodPost, "/keys", `{"name":"alpha","credits":100}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	keyID := readJSON(t, created).Get("id").String()
	require.True(t, strings.HasPrefix(keyID, "pg_"))

	// Self-service balance with the API key itself.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/balance", nil)
	req.Header.Set("X-API-Key", keyID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	balance := readJSON(t, resp)
	resp.Body.Close()
	assert.Equal(t, int64(100), balance.Get("balance").Int())
	// The self-query never exposes the full key.
	assert.Contains(t, balance.Get("key").String(), "...")

	topped := env.admin(t, http.MethodPost, "/topup", `{"key":"`+keyID+`","credits":50}`)
	require.Equal(t, http.StatusOK, topped.StatusCode)
	assert.Equal(t, int64(150), readJSON(t, topped).Get("balance").Int())

	suspended := env.admin(t, http.MethodPost, "/keys/suspend", `{"key":"`+keyID+`"}`)
	require.Equal(t, http.StatusOK, suspended.StatusCode)

	resumed := env.admin(t, http.MethodPost, "/keys/resume", `{"key":"`+keyID+`"}`)
	require.Equal(t, http.StatusOK, resumed.StatusCode)

	revoked := env.admin(t, http.MethodPost, "/keys/revoke", `{"key":"`+keyID+`"}`)
	require.Equal(t, http.StatusOK, revoked.StatusCode)

	// Top-up after revocation conflicts.
	conflict := env.admin(t, http.MethodPost, "/topup", `{"key":"`+keyID+`","credits":1}`)
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	deleted := env.admin(t, http.MethodPost, "/keys/delete", `{"key":"`+keyID+`"}`)
	require.Equal(t, http.StatusOK, deleted.StatusCode)

	missing := env.admin(t, http.MethodPost, "/keys/revoke", `{"key":"`+keyID+`"}`)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestKeyACLUpdate(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	key, err := env.keys.CreateKey("alpha", 10, keystore.CreateOptions{})
	require.NoError(t, err)

	resp := env.admin(t, http.MethodPost, "/keys/acl",
		`{"key":"`+key.ID+`","allowed_tools":["search"],"denied_tools":["rm"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, _ := env.keys.Get(key.ID)
	assert.Equal(t, []string{"search"}, got.AllowedTools)
	assert.Equal(t, []string{"rm"}, got.DeniedTools)
}

func TestKeyHealth(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	key, err := env.keys.CreateKey("alpha", 10, keystore.CreateOptions{})
	require.NoError(t, err)

	resp := env.admin(t, http.MethodGet, "/keys/health?key="+key.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := readJSON(t, resp)
	assert.Equal(t, "active", health.Get("state").String())
	assert.Equal(t, int64(10), health.Get("balance").Int())

	missing := env.admin(t, http.MethodGet, "/keys/health?key=pg_nope", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGroupEndpoints(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	key, err := env.keys.CreateKey("alpha", 10, keystore.CreateOptions{})
	require.NoError(t, err)

	created := env.admin(t, http.MethodPost, "/groups", `{"name":"team","default_price":2}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)

	assigned := env.admin(t, http.MethodPost, "/groups/assign", `{"key":"`+key.ID+`","group":"team"}`)
	require.Equal(t, http.StatusOK, assigned.StatusCode)
	got, _ := env.keys.Get(key.ID)
	assert.Equal(t, "team", got.Group)

	removed := env.admin(t, http.MethodPost, "/groups/remove", `{"key":"`+key.ID+`"}`)
	require.Equal(t, http.StatusOK, removed.StatusCode)

	deleted := env.admin(t, http.MethodPost, "/groups/delete", `{"name":"team"}`)
	require.Equal(t, http.StatusOK, deleted.StatusCode)
}

func TestWebhookFilterEndpoints(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	set := env.admin(t, http.MethodPost, "/webhooks/filters",
		`{"name":"usage","event_types":["usage"],"url":"https://example.com/hook","active":true}`)
	require.Equal(t, http.StatusOK, set.StatusCode)
	id := readJSON(t, set).Get("id").String()
	require.NotEmpty(t, id)

	list := env.admin(t, http.MethodGet, "/webhooks/filters", "")
	require.Equal(t, http.StatusOK, list.StatusCode)
	assert.Len(t, readJSON(t, list).Array(), 1)

	bad := env.admin(t, http.MethodPost, "/webhooks/filters", `{"name":"broken","url":""}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	del := env.admin(t, http.MethodPost, "/webhooks/filters/delete", `{"id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, del.StatusCode)
}

func TestAuditEndpoints(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	env.auditor.Record(audit.EventTypeKeyCreated, "pg_ab...cd", "key created: alpha", nil)

	resp := env.admin(t, http.MethodGet, "/audit?type="+url.QueryEscape(audit.EventTypeKeyCreated), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, readJSON(t, resp).Array(), 1)

	csv := env.admin(t, http.MethodGet, "/audit/export?format=csv", "")
	require.Equal(t, http.StatusOK, csv.StatusCode)
	assert.Equal(t, "text/csv", csv.Header.Get("Content-Type"))
	body, _ := io.ReadAll(csv.Body)
	assert.True(t, strings.HasPrefix(string(body), "id,timestamp,type,actor,message"))

	bad := env.admin(t, http.MethodGet, "/audit/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestMaintenanceMode(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	on := env.admin(t, http.MethodPost, "/maintenance", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, on.StatusCode)

	// Public surface is dark.
	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The admin surface stays up so maintenance can be lifted.
	off := env.admin(t, http.MethodPost, "/maintenance", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, off.StatusCode)

	resp, err = http.Get(env.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOAuthFlowOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	key, err := env.keys.CreateKey("alpha", 10, keystore.CreateOptions{})
	require.NoError(t, err)

	// Dynamic registration.
	reg, err := http.Post(env.srv.URL+"/oauth/register", "application/json",
		strings.NewReader(`{"client_name":"cli","redirect_uris":["https://client.example/cb"]}`))
	require.NoError(t, err)
	regBody := readJSON(t, reg)
	reg.Body.Close()
	require.Equal(t, http.StatusCreated, reg.StatusCode)
	clientID := regBody.Get("client_id").String()
	require.NotEmpty(t, clientID)

	// Bind the client to a key (admin action).
	bind := env.admin(t, http.MethodPost, "/oauth/bind", `{"client_id":"`+clientID+`","key":"`+key.ID+`"}`)
	require.Equal(t, http.StatusOK, bind.StatusCode)

	// Authorize redirects back with a code.
	verifier, challenge := pkcePair(t)
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	authorizeURL := env.srv.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://client.example/cb"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"xyz"},
	}.Encode()
	authResp, err := noRedirect.Get(authorizeURL)
	require.NoError(t, err)
	authResp.Body.Close()
	require.Equal(t, http.StatusFound, authResp.StatusCode)

	loc, err := url.Parse(authResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	// Token exchange.
	tokenResp, err := http.PostForm(env.srv.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://client.example/cb"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	tokenBody := readJSON(t, tokenResp)
	tokenResp.Body.Close()
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	assert.Equal(t, "no-store", tokenResp.Header.Get("Cache-Control"))
	access := tokenBody.Get("access_token").String()
	require.NotEmpty(t, access)

	info, ok := env.tokens.ValidateToken(access)
	require.True(t, ok)
	assert.Equal(t, key.ID, info.APIKey)

	// Replaying the code fails with invalid_grant.
	replay, err := http.PostForm(env.srv.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {"https://client.example/cb"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	replayBody := readJSON(t, replay)
	replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, "invalid_grant", replayBody.Get("error").String())

	// Revocation always reports success.
	revoke, err := http.PostForm(env.srv.URL+"/oauth/revoke", url.Values{"token": {access}})
	require.NoError(t, err)
	revoke.Body.Close()
	assert.Equal(t, http.StatusOK, revoke.StatusCode)
	_, ok = env.tokens.ValidateToken(access)
	assert.False(t, ok)
}

func TestOAuthMetadata(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp, err := http.Get(env.srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	md := readJSON(t, resp)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://gw.example", md.Get("issuer").String())
	assert.Equal(t, "https://gw.example/oauth/token", md.Get("token_endpoint").String())
}

func TestUnsupportedGrantType(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp, err := http.PostForm(env.srv.URL+"/oauth/token", url.Values{"grant_type": {"password"}})
	require.NoError(t, err)
	body := readJSON(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", body.Get("error").String())
}

func TestCORSAndPreflight(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Equal(t, "Mcp-Session-Id", resp.Header.Get("Access-Control-Expose-Headers"))
}

func TestRootAndRobots(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	root := readJSON(t, resp)
	resp.Body.Close()
	assert.Equal(t, "paygate", root.Get("name").String())
	assert.Equal(t, "/mcp", root.Get("mcp").String())

	resp, err = http.Get(env.srv.URL + "/robots.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "Disallow: /")
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)

	resp := env.admin(t, http.MethodPost, "/keys", `{"name":"alpha","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportImportOverHTTP(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	_, err := env.keys.CreateKey("alpha", 42, keystore.CreateOptions{})
	require.NoError(t, err)

	exported := env.admin(t, http.MethodGet, "/keys/export", "")
	require.Equal(t, http.StatusOK, exported.StatusCode)
	records, err := io.ReadAll(exported.Body)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]json.RawMessage{
		"mode":    json.RawMessage(`"overwrite"`),
		"records": json.RawMessage(records),
	})
	require.NoError(t, err)

	other := newAPIEnv(t)
	imported := other.admin(t, http.MethodPost, "/keys/import", string(payload))
	require.Equal(t, http.StatusOK, imported.StatusCode)
	assert.Equal(t, int64(1), readJSON(t, imported).Get("imported").Int())
	assert.Equal(t, 1, other.keys.Count())
}
