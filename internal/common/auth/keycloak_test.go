package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms-assistant/internal/common/errors"
)

func newIntrospectionServer(t *testing.T, calls *int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/realms/qms/protocol/openid-connect/token/introspect", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "qms-assistant", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.NotEmpty(t, r.PostForm.Get("token"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIntrospect_ActiveTokenIsCached(t *testing.T) {
	var calls int32
	srv := newIntrospectionServer(t, &calls, http.StatusOK,
		`{"active":true,"sub":"u-1","preferred_username":"qa-admin","exp":4102444800,"realm_access":{"roles":["rule-admin"]}}`)
	k := NewKeycloakClient(srv.URL+"/", "qms", "qms-assistant", "secret")

	info, err := k.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "qa-admin", info.Username)
	assert.True(t, info.HasRole("rule-admin"))
	assert.False(t, info.HasRole("viewer"))

	_, err = k.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIntrospect_CacheExpires(t *testing.T) {
	var calls int32
	srv := newIntrospectionServer(t, &calls, http.StatusOK, `{"active":true}`)
	k := NewKeycloakClient(srv.URL, "qms", "qms-assistant", "secret")

	now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }

	_, err := k.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = k.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIntrospect_InactiveTokenIsNotCached(t *testing.T) {
	var calls int32
	srv := newIntrospectionServer(t, &calls, http.StatusOK, `{"active":false}`)
	k := NewKeycloakClient(srv.URL, "qms", "qms-assistant", "secret")

	for i := 0; i < 2; i++ {
		info, err := k.Introspect(context.Background(), "tok")
		require.NoError(t, err)
		assert.False(t, info.Active)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIntrospect_ServerError(t *testing.T) {
	var calls int32
	srv := newIntrospectionServer(t, &calls, http.StatusServiceUnavailable, `down`)
	k := NewKeycloakClient(srv.URL, "qms", "qms-assistant", "secret")

	_, err := k.Introspect(context.Background(), "tok")
	require.Error(t, err)
	stdErr, ok := err.(*errors.StandardError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorCode("KEYCLOAK_API_ERROR"), stdErr.Code)
	assert.True(t, stdErr.Retryable)
}
