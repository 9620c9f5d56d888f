package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/regdu/regdu/internal/safety"
)

const (
	maxTokenBodyBytes int64 = 1 * 1024 * 1024

	// Registries that omit expires_in issue tokens valid for 60 seconds
	// per the distribution token spec.
	defaultTokenTTL = 60 * time.Second

	// Tokens this close to expiry are refreshed eagerly instead of
	// risking a mid-request 401.
	expirySkew = 10 * time.Second
)

var authParamRegexp = regexp.MustCompile(`([a-zA-Z_]+)="([^"]*)"`)

// Credentials hold the username and password (or access token) presented
// to the token endpoint.
type Credentials struct {
	Username string
	Password string
}

// Authenticator obtains scoped bearer tokens from the token endpoint
// advertised in a registry's WWW-Authenticate challenge and caches them
// per scope until expiry. It is safe for concurrent use; at most one
// token request per scope is in flight at a time, concurrent callers
// wait for the pending refresh.
type Authenticator struct {
	creds  Credentials
	http   *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

// tokenEntry is a small state machine: absent -> valid -> expiring ->
// refreshing -> valid. The entry mutex serializes refreshes; the token
// fields are only read or written under it. An entry is never removed
// from the map, so callers queueing on the mutex always land on the
// same refresh. gen counts successful exchanges; a caller whose token
// was rejected names the generation it held, and a newer generation
// means another caller already refreshed.
type tokenEntry struct {
	mu      sync.Mutex
	token   string
	gen     uint64
	expires time.Time
}

// NewAuthenticator creates an authenticator using the given credentials.
func NewAuthenticator(creds Credentials, httpClient *http.Client, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		creds:   creds,
		http:    httpClient,
		logger:  logger,
		entries: make(map[string]*tokenEntry),
	}
}

// Cached returns the unexpired token for scope and its generation, or
// "" when none is held. The generation goes back into Acquire when the
// registry rejects the token.
func (a *Authenticator) Cached(scope string) (string, uint64) {
	a.mu.Lock()
	entry, ok := a.entries[scope]
	a.mu.Unlock()
	if !ok {
		return "", 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if time.Until(entry.expires) < expirySkew {
		return "", entry.gen
	}
	return entry.token, entry.gen
}

// Acquire returns a bearer token for scope, exchanging credentials
// against the token endpoint described by the WWW-Authenticate challenge.
// staleGen is the generation of the token the caller saw rejected (zero
// when it held none); a cached token from a newer generation that is
// still valid is returned as is. Concurrent callers hitting 401s for
// the same scope therefore queue on one entry and trigger at most one
// exchange between them. A failed exchange is an *AuthError.
func (a *Authenticator) Acquire(ctx context.Context, challenge, scope string, staleGen uint64) (string, error) {
	a.mu.Lock()
	entry, ok := a.entries[scope]
	if !ok {
		entry = &tokenEntry{}
		a.entries[scope] = entry
	}
	a.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// A concurrent caller may have refreshed while we waited on the lock.
	if entry.gen > staleGen && entry.token != "" && time.Until(entry.expires) >= expirySkew {
		return entry.token, nil
	}

	token, ttl, err := a.exchange(ctx, challenge, scope)
	if err != nil {
		return "", err
	}
	entry.token = token
	entry.gen++
	entry.expires = time.Now().Add(ttl)
	a.logger.Debug("acquired registry token", "scope", scope, "ttl", ttl)
	return token, nil
}

func (a *Authenticator) exchange(ctx context.Context, challenge, scope string) (string, time.Duration, error) {
	if challenge == "" {
		return "", 0, &AuthError{Scope: scope, Reason: "missing WWW-Authenticate challenge"}
	}
	if !strings.HasPrefix(strings.ToLower(challenge), "bearer ") {
		return "", 0, &AuthError{Scope: scope, Reason: fmt.Sprintf("unsupported auth challenge %q", challenge)}
	}

	params := parseAuthParams(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", 0, &AuthError{Scope: scope, Reason: "bearer challenge missing realm"}
	}

	values := url.Values{}
	if service := params["service"]; service != "" {
		values.Set("service", service)
	}
	tokenScope := params["scope"]
	if tokenScope == "" {
		tokenScope = scope
	}
	if tokenScope != "" {
		values.Set("scope", tokenScope)
	}

	tokenURL := realm
	if encoded := values.Encode(); encoded != "" {
		if strings.Contains(tokenURL, "?") {
			tokenURL += "&" + encoded
		} else {
			tokenURL += "?" + encoded
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	if a.creds.Username != "" {
		req.SetBasicAuth(a.creds.Username, a.creds.Password)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return "", 0, &transientError{fmt.Errorf("executing token request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", 0, &AuthError{Scope: scope, Reason: "token endpoint rejected credentials: " + resp.Status}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, &transientError{fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}

	data, err := safety.ReadAllWithLimit(resp.Body, maxTokenBodyBytes)
	if err != nil {
		return "", 0, &transientError{fmt.Errorf("reading token response: %w", err)}
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", 0, &AuthError{Scope: scope, Reason: "unparseable token response"}
	}
	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", 0, &AuthError{Scope: scope, Reason: "token response did not include a token"}
	}

	ttl := defaultTokenTTL
	if tokenResp.ExpiresIn > 0 {
		ttl = time.Duration(tokenResp.ExpiresIn) * time.Second
	}
	return token, ttl, nil
}

func parseAuthParams(challenge string) map[string]string {
	result := make(map[string]string)
	trimmed := strings.TrimSpace(challenge)
	if strings.HasPrefix(strings.ToLower(trimmed), "bearer ") {
		trimmed = strings.TrimSpace(trimmed[len("bearer "):])
	}
	matches := authParamRegexp.FindAllStringSubmatch(trimmed, -1)
	for _, m := range matches {
		if len(m) == 3 {
			result[strings.ToLower(m[1])] = m[2]
		}
	}
	return result
}
