// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the OAuth 2.1 authorization server: dynamic client
// registration (RFC 7591), the authorization-code grant with mandatory PKCE
// S256 (RFC 7636), refresh and client-credentials grants, token revocation
// with family semantics (RFC 7009), and server metadata (RFC 8414).
//
// Tokens are opaque pg_at_/pg_rt_ strings; validating one yields the API key
// the issuing client is bound to. All timestamps are Unix milliseconds.
package oauth

import (
	"crypto/rand"
	"encoding/hex"
)

// Identifier prefixes.
const (
	AccessTokenPrefix  = "pg_at_"
	RefreshTokenPrefix = "pg_rt_"
	ClientIDPrefix     = "pg_client_"
	ClientSecretPrefix = "pg_secret_"
)

// Bounds.
const (
	MaxRedirectURIs = 10
	MaxClients      = 1000
	MaxTokens       = 10000
	MaxAuthCodes    = 1000
)

// GrantType names an OAuth grant.
type GrantType string

// Supported grants.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	// KindAccess is a bearer access token.
	KindAccess TokenKind = "access"
	// KindRefresh is a refresh token.
	KindRefresh TokenKind = "refresh"
)

// Client is a registered OAuth client.
type Client struct {
	ID string `json:"client_id"`
	// Secret is set only for confidential clients.
	Secret       string      `json:"client_secret,omitempty"`
	Name         string      `json:"client_name"`
	RedirectURIs []string    `json:"redirect_uris"`
	GrantTypes   []GrantType `json:"grant_types"`
	Scope        string      `json:"scope,omitempty"`
	// APIKey is the keystore key this client issues tokens for. Bound by
	// admin action after registration; an unbound client cannot issue tokens.
	APIKey string `json:"api_key,omitempty"`
	// CreatedAt is Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
}

// Confidential reports whether the client holds a secret.
func (c *Client) Confidential() bool {
	return c.Secret != ""
}

// AllowsGrant reports whether the client may use the grant.
func (c *Client) AllowsGrant(g GrantType) bool {
	for _, allowed := range c.GrantTypes {
		if allowed == g {
			return true
		}
	}
	return false
}

// AuthCode is a one-use authorization code. It exists only between
// /oauth/authorize and /oauth/token and is never persisted.
type AuthCode struct {
	Code          string `json:"code"`
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope"`
	CodeChallenge string `json:"code_challenge"`
	APIKey        string `json:"api_key"`
	// ExpiresAt is Unix milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

// Token is an opaque access or refresh token.
type Token struct {
	Value    string    `json:"value"`
	Kind     TokenKind `json:"kind"`
	ClientID string    `json:"client_id"`
	Scope    string    `json:"scope"`
	APIKey   string    `json:"api_key"`
	// Family links an access token to the refresh token issued with it, so
	// revoking either revokes both.
	Family string `json:"family"`
	// ExpiresAt is Unix milliseconds.
	ExpiresAt int64 `json:"expires_at"`
}

// TokenPair is the result of a successful code exchange or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenInfo is what a successful validation yields.
type TokenInfo struct {
	APIKey   string `json:"api_key"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func randomToken(prefix string) string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("oauth: crypto/rand failure: " + err.Error())
	}
	return prefix + hex.EncodeToString(buf)
}
