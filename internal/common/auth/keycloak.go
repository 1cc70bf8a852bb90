// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"qms-assistant/internal/common/errors"
)

// KeycloakClient introspects bearer tokens issued by a Keycloak realm.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu     sync.Mutex
	cache  map[string]cachedToken
	now    func() time.Time
	maxTTL time.Duration
}

type cachedToken struct {
	info    *TokenInfo
	expires time.Time
}

// TokenInfo is the subset of an introspection response the API needs.
type TokenInfo struct {
	Active      bool   `json:"active"`
	Subject     string `json:"sub"`
	Username    string `json:"preferred_username"`
	ClientID    string `json:"client_id"`
	ExpiresAt   int64  `json:"exp"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// HasRole reports whether the token carries the realm role.
func (t *TokenInfo) HasRole(role string) bool {
	for _, r := range t.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewKeycloakClient creates a new instance of KeycloakClient.
func NewKeycloakClient(baseURL, realm, clientID, clientSecret string) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		cache:        make(map[string]cachedToken),
		now:          time.Now,
		maxTTL:       time.Minute,
	}
}

// Introspect validates token against the realm. Active tokens are cached
// until they expire or for at most a minute, whichever comes first.
func (k *KeycloakClient) Introspect(ctx context.Context, token string) (*TokenInfo, error) {
	if info, ok := k.cached(token); ok {
		return info, nil
	}

	introspectURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, "POST", introspectURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &errors.StandardError{
			Code:      "HTTP_REQUEST_ERROR",
			Message:   "Failed to create introspection request",
			Details:   err.Error(),
			Retryable: false,
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, &errors.StandardError{
			Code:      "NETWORK_ERROR",
			Message:   "Failed to send request to Keycloak",
			Details:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &errors.StandardError{
			Code:      "KEYCLOAK_API_ERROR",
			Message:   "Keycloak API error during token introspection",
			Details:   string(body),
			Retryable: k.isTransientHTTPError(resp.StatusCode),
		}
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &errors.StandardError{
			Code:      "DESERIALIZATION_ERROR",
			Message:   "Failed to decode introspection response",
			Details:   err.Error(),
			Retryable: false,
		}
	}

	if info.Active {
		k.remember(token, &info)
	}
	return &info, nil
}

func (k *KeycloakClient) cached(token string) (*TokenInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.cache[token]
	if !ok {
		return nil, false
	}
	if !k.now().Before(c.expires) {
		delete(k.cache, token)
		return nil, false
	}
	return c.info, true
}

func (k *KeycloakClient) remember(token string, info *TokenInfo) {
	expires := k.now().Add(k.maxTTL)
	if info.ExpiresAt > 0 {
		if exp := time.Unix(info.ExpiresAt, 0); exp.Before(expires) {
			expires = exp
		}
	}
	k.mu.Lock()
	k.cache[token] = cachedToken{info: info, expires: expires}
	k.mu.Unlock()
}

// isTransientHTTPError checks if an HTTP status code indicates a temporary issue.
func (k *KeycloakClient) isTransientHTTPError(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
