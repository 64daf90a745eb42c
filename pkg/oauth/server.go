// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/state"
)

// Grant errors, named after the RFC 6749 error codes the HTTP layer reports.
var (
	// ErrInvalidClient covers unknown clients and bad secrets.
	ErrInvalidClient = errors.New("invalid_client")
	// ErrInvalidGrant covers bad, expired, or replayed codes and tokens.
	ErrInvalidGrant = errors.New("invalid_grant")
	// ErrInvalidRequest covers malformed grant parameters.
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrInvalidScope covers scope-widening refresh attempts.
	ErrInvalidScope = errors.New("invalid_scope")
	// ErrUnauthorizedClient covers grants the client is not allowed to use.
	ErrUnauthorizedClient = errors.New("unauthorized_client")
)

// Lifetimes.
const (
	DefaultCodeTTL         = 5 * time.Minute
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

const (
	clientsSection = "oauth_clients"
	tokensSection  = "oauth_tokens"
)

// Server is the authorization server. Safe for concurrent use.
type Server struct {
	mu sync.Mutex

	clients map[string]*Client
	// codes are one-use and short-lived; never persisted.
	codes map[string]*AuthCode
	// tokens maps token value -> Token for both kinds.
	tokens map[string]*Token

	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	maxTokens  int

	persist *state.Store

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithTokenTTLs overrides the token lifetimes.
func WithTokenTTLs(access, refresh time.Duration) Option {
	return func(s *Server) {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
	}
}

// WithMaxTokens overrides the live-token cap.
func WithMaxTokens(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithPersistence attaches a state store for clients and tokens.
func WithPersistence(st *state.Store) Option {
	return func(s *Server) {
		s.persist = st
	}
}

// NewServer creates an authorization server and starts its cleanup sweep.
func NewServer(opts ...Option) *Server {
	s := &Server{
		clients:         make(map[string]*Client),
		codes:           make(map[string]*AuthCode),
		tokens:          make(map[string]*Token),
		accessTTL:       DefaultAccessTokenTTL,
		refreshTTL:      DefaultRefreshTokenTTL,
		codeTTL:         DefaultCodeTTL,
		maxTokens:       MaxTokens,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != nil {
		s.load()
	}
	go s.cleanupRoutine()
	return s
}

func (s *Server) load() {
	if raw := s.persist.Section(clientsSection); raw != nil {
		var clients []*Client
		if err := json.Unmarshal(raw, &clients); err != nil {
			logger.Errorf("Failed to load OAuth clients: %v", err)
		} else {
			for _, c := range clients {
				s.clients[c.ID] = c
			}
		}
	}
	if raw := s.persist.Section(tokensSection); raw != nil {
		var tokens []*Token
		if err := json.Unmarshal(raw, &tokens); err != nil {
			logger.Errorf("Failed to load OAuth tokens: %v", err)
		} else {
			for _, t := range tokens {
				s.tokens[t.Value] = t
			}
		}
	}
}

func (s *Server) persistLocked() {
	if s.persist == nil {
		return
	}
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	tokens := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	if err := s.persist.SetSection(clientsSection, clients); err != nil {
		logger.Errorf("Failed to persist OAuth clients: %v", err)
	}
	if err := s.persist.SetSection(tokensSection, tokens); err != nil {
		logger.Errorf("Failed to persist OAuth tokens: %v", err)
	}
}

func (s *Server) cleanupRoutine() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired codes and tokens.
func (s *Server) Cleanup() {
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, c := range s.codes {
		if c.ExpiresAt <= now {
			delete(s.codes, code)
			removed++
		}
	}
	for value, t := range s.tokens {
		if t.ExpiresAt <= now {
			delete(s.tokens, value)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
		logger.Debugf("OAuth cleanup removed %d expired entries", removed)
	}
}

// Stop halts the cleanup sweep.
func (s *Server) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}

// RegisterRequest is an RFC 7591 dynamic registration request.
type RegisterRequest struct {
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	// Confidential requests a client secret.
	Confidential bool `json:"confidential,omitempty"`
}

// RegisterClient validates and registers a new OAuth client. The client must
// be bound to an API key via BindAPIKey before it can issue tokens.
func (s *Server) RegisterClient(req *RegisterRequest) (*Client, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: client_name required", ErrInvalidRequest)
	}
	if len(req.RedirectURIs) == 0 && !req.Confidential {
		return nil, fmt.Errorf("%w: redirect_uris required for public clients", ErrInvalidRequest)
	}
	if len(req.RedirectURIs) > MaxRedirectURIs {
		return nil, fmt.Errorf("%w: too many redirect_uris", ErrInvalidRequest)
	}
	for _, u := range req.RedirectURIs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" {
			return nil, fmt.Errorf("%w: invalid redirect_uri %q", ErrInvalidRequest, u)
		}
	}

	grants := make([]GrantType, 0, len(req.GrantTypes))
	for _, g := range req.GrantTypes {
		switch GrantType(g) {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
			grants = append(grants, GrantType(g))
		default:
			return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidRequest, g)
		}
	}
	if len(grants) == 0 {
		grants = []GrantType{GrantAuthorizationCode, GrantRefreshToken}
	}

	client := &Client{
		ID:           randomToken(ClientIDPrefix),
		Name:         req.Name,
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		GrantTypes:   grants,
		Scope:        req.Scope,
		CreatedAt:    nowMillis(),
	}
	if req.Confidential {
		client.Secret = randomToken(ClientSecretPrefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		return nil, fmt.Errorf("%w: client limit reached", ErrInvalidRequest)
	}
	s.clients[client.ID] = client
	s.persistLocked()
	return client, nil
}

// BindAPIKey binds a client to a keystore key. Admin-only.
func (s *Server) BindAPIKey(clientID, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return ErrInvalidClient
	}
	client.APIKey = apiKey
	s.persistLocked()
	return nil
}

// GetClient returns a registered client.
func (s *Server) GetClient(clientID string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// CreateAuthCode issues a one-use code for the authorization-code grant.
// PKCE is mandatory: a request without an S256 code challenge fails.
func (s *Server) CreateAuthCode(clientID, redirectURI, scope, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", fmt.Errorf("%w: code_challenge required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return "", ErrInvalidClient
	}
	if client.APIKey == "" {
		return "", fmt.Errorf("%w: client not bound to an API key", ErrUnauthorizedClient)
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return "", ErrUnauthorizedClient
	}
	if !redirectURIRegistered(client, redirectURI) {
		return "", fmt.Errorf("%w: redirect_uri not registered", ErrInvalidRequest)
	}
	if len(s.codes) >= MaxAuthCodes {
		return "", fmt.Errorf("%w: too many outstanding codes", ErrInvalidRequest)
	}

	code := randomToken("pg_code_")
	s.codes[code] = &AuthCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		CodeChallenge: codeChallenge,
		APIKey:        client.APIKey,
		ExpiresAt:     nowMillis() + s.codeTTL.Milliseconds(),
	}
	return code, nil
}

// ExchangeCode trades a code plus PKCE verifier for a token pair. The code is
// deleted before any validation, so two concurrent exchanges cannot both
// succeed.
func (s *Server) ExchangeCode(code, clientID, redirectURI, codeVerifier string) (*TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	// Single-use: remove before checks.
	delete(s.codes, code)
	if !ok {
		return nil, ErrInvalidGrant
	}
	if authCode.ExpiresAt <= nowMillis() {
		return nil, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}
	if authCode.ClientID != clientID {
		return nil, fmt.Errorf("%w: code issued to another client", ErrInvalidGrant)
	}
	if authCode.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if !verifyPKCE(codeVerifier, authCode.CodeChallenge) {
		return nil, fmt.Errorf("%w: PKCE verification failed", ErrInvalidGrant)
	}
	// The code is already burned; a full token table still refuses the grant.
	if err := s.tokenRoomLocked(2); err != nil {
		return nil, err
	}

	pair := s.issuePairLocked(clientID, authCode.Scope, authCode.APIKey)
	s.persistLocked()
	return pair, nil
}

// RefreshAccessToken trades a refresh token for a fresh access token in the
// same family. The requested scope may narrow the original, never widen it.
func (s *Server) RefreshAccessToken(refreshToken, clientID, requestedScope string) (*TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[refreshToken]
	if !ok || token.Kind != KindRefresh {
		return nil, ErrInvalidGrant
	}
	if token.ClientID != clientID {
		return nil, fmt.Errorf("%w: token issued to another client", ErrInvalidGrant)
	}
	if token.ExpiresAt <= nowMillis() {
		delete(s.tokens, refreshToken)
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	scope := token.Scope
	if requestedScope != "" {
		if !scopeSubset(requestedScope, token.Scope) {
			return nil, ErrInvalidScope
		}
		scope = requestedScope
	}
	if err := s.tokenRoomLocked(1); err != nil {
		return nil, err
	}

	access := &Token{
		Value:     randomToken(AccessTokenPrefix),
		Kind:      KindAccess,
		ClientID:  clientID,
		Scope:     scope,
		APIKey:    token.APIKey,
		Family:    token.Family,
		ExpiresAt: nowMillis() + s.accessTTL.Milliseconds(),
	}
	s.tokens[access.Value] = access
	s.persistLocked()

	return &TokenPair{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    s.accessTTL.Milliseconds() / 1000,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// ClientCredentials issues an access token for a confidential client. The
// secret comparison is constant-time. No refresh token is issued.
func (s *Server) ClientCredentials(clientID, clientSecret, scope string) (*TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrInvalidClient
	}
	if !client.Confidential() {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrUnauthorizedClient)
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) != 1 {
		return nil, ErrInvalidClient
	}
	if !client.AllowsGrant(GrantClientCredentials) {
		return nil, ErrUnauthorizedClient
	}
	if client.APIKey == "" {
		return nil, fmt.Errorf("%w: client not bound to an API key", ErrUnauthorizedClient)
	}
	if err := s.tokenRoomLocked(1); err != nil {
		return nil, err
	}

	access := &Token{
		Value:     randomToken(AccessTokenPrefix),
		Kind:      KindAccess,
		ClientID:  clientID,
		Scope:     scope,
		APIKey:    client.APIKey,
		Family:    randomToken("fam_"),
		ExpiresAt: nowMillis() + s.accessTTL.Milliseconds(),
	}
	s.tokens[access.Value] = access
	s.persistLocked()

	return &TokenPair{
		AccessToken: access.Value,
		TokenType:   "Bearer",
		ExpiresIn:   s.accessTTL.Milliseconds() / 1000,
		Scope:       scope,
	}, nil
}

// ValidateToken resolves a bearer token to its key binding. A lookup of an
// expired token opportunistically evicts it.
func (s *Server) ValidateToken(value string) (*TokenInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok || token.Kind != KindAccess {
		return nil, false
	}
	if token.ExpiresAt <= nowMillis() {
		delete(s.tokens, value)
		s.persistLocked()
		return nil, false
	}
	return &TokenInfo{
		APIKey:   token.APIKey,
		Scope:    token.Scope,
		ClientID: token.ClientID,
	}, true
}

// Revoke revokes a token and, through its family tag, every token issued
// alongside it. Revoking an unknown token is not an error per RFC 7009.
func (s *Server) Revoke(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return
	}
	family := token.Family
	for v, t := range s.tokens {
		if t.Family == family {
			delete(s.tokens, v)
		}
	}
	s.persistLocked()
}

// TokenCount returns the number of live tokens.
func (s *Server) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// ServerMetadata builds the RFC 8414 document for the given issuer URL.
func (s *Server) ServerMetadata(issuer string) *Metadata {
	issuer = strings.TrimSuffix(issuer, "/")
	return &Metadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth/authorize",
		TokenEndpoint:                 issuer + "/oauth/token",
		RegistrationEndpoint:          issuer + "/oauth/register",
		RevocationEndpoint:            issuer + "/oauth/revoke",
		GrantTypesSupported:           []string{string(GrantAuthorizationCode), string(GrantRefreshToken), string(GrantClientCredentials)},
		ResponseTypesSupported:        []string{"code"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_post", "none",
		},
	}
}

// tokenRoomLocked checks that n more tokens fit under the live-token cap.
// Grants are refused rather than evicting live tokens; expired entries are
// reclaimed by the cleanup sweep.
func (s *Server) tokenRoomLocked(n int) error {
	if len(s.tokens)+n > s.maxTokens {
		return fmt.Errorf("%w: token limit reached", ErrInvalidRequest)
	}
	return nil
}

// issuePairLocked mints an access+refresh pair sharing a fresh family tag.
func (s *Server) issuePairLocked(clientID, scope, apiKey string) *TokenPair {
	family := randomToken("fam_")
	now := nowMillis()

	access := &Token{
		Value:     randomToken(AccessTokenPrefix),
		Kind:      KindAccess,
		ClientID:  clientID,
		Scope:     scope,
		APIKey:    apiKey,
		Family:    family,
		ExpiresAt: now + s.accessTTL.Milliseconds(),
	}
	refresh := &Token{
		Value:     randomToken(RefreshTokenPrefix),
		Kind:      KindRefresh,
		ClientID:  clientID,
		Scope:     scope,
		APIKey:    apiKey,
		Family:    family,
		ExpiresAt: now + s.refreshTTL.Milliseconds(),
	}
	s.tokens[access.Value] = access
	s.tokens[refresh.Value] = refresh

	return &TokenPair{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    s.accessTTL.Milliseconds() / 1000,
		RefreshToken: refresh.Value,
		Scope:        scope,
	}
}

// verifyPKCE checks base64url(sha256(verifier)) == challenge in constant
// time.
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func redirectURIRegistered(client *Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// scopeSubset reports whether every scope in requested appears in granted.
func scopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]struct{})
	for _, s := range strings.Fields(granted) {
		grantedSet[s] = struct{}{}
	}
	for _, s := range strings.Fields(requested) {
		if _, ok := grantedSet[s]; !ok {
			return false
		}
	}
	return true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
