package vault

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Method string
	Path   string
	Token  string
	Body   map[string]any
}

func fakeVault(t *testing.T, status int) (*httptest.Server, func() []request) {
	t.Helper()
	var mu sync.Mutex
	var reqs []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{Method: r.Method, Path: r.URL.Path, Token: r.Header.Get("X-Vault-Token")}
		_ = json.NewDecoder(r.Body).Decode(&req.Body)
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		if status >= 400 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), reqs...)
	}
}

func TestPublish(t *testing.T) {
	srv, reqs := fakeVault(t, http.StatusNoContent)
	p := &Publisher{
		Client: NewAuthenticatedClient(config.VaultConfig{Address: srv.URL, Token: "s.test"}),
		KVPath: "secret",
	}

	require.NoError(t, p.Publish(t.Context(), "alice", []byte("client\n"), logr.Discard()))

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].Method)
	assert.Equal(t, "/v1/secret/data/users/alice/config.ovpn", got[0].Path)
	assert.Equal(t, "s.test", got[0].Token)
	assert.Equal(t, map[string]any{"data": map[string]any{"content": "client\n"}}, got[0].Body)
}

func TestWithdraw(t *testing.T) {
	srv, reqs := fakeVault(t, http.StatusNoContent)
	p := &Publisher{
		Client: &TokenAuthenticatedClient{Address: srv.URL, Token: "s.test"},
		KVPath: "kv",
	}

	require.NoError(t, p.Withdraw(t.Context(), "bob", logr.Discard()))

	got := reqs()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodDelete, got[0].Method)
	assert.Equal(t, "/v1/kv/metadata/users/bob/config.ovpn", got[0].Path)
}

func TestPublishError(t *testing.T) {
	srv, _ := fakeVault(t, http.StatusForbidden)
	p := &Publisher{
		Client: &TokenAuthenticatedClient{Address: srv.URL, Token: "s.test"},
		KVPath: "secret",
	}
	err := p.Publish(t.Context(), "alice", []byte("client\n"), logr.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestNewAuthenticatedClient(t *testing.T) {
	_, ok := NewAuthenticatedClient(config.VaultConfig{Address: "http://vault", Token: "t"}).(*TokenAuthenticatedClient)
	assert.True(t, ok)

	ac, ok := NewAuthenticatedClient(config.VaultConfig{Address: "http://vault", RoleID: "r", SecretID: "s", ApprolePath: "ci"}).(*ApproleAuthenticatedClient)
	require.True(t, ok)
	assert.Equal(t, "ci", ac.BackendPath)
}

func TestApproleLogin(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"s.approle","renewable":false,"lease_duration":60}}`))
	}))
	defer srv.Close()

	ac := &ApproleAuthenticatedClient{Address: srv.URL, RoleID: "role", SecretID: "secret", BackendPath: "approle"}
	client, err := ac.GetClient(logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, "s.approle", client.Token())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, paths)
	assert.Equal(t, "/v1/auth/approle/login", paths[0])
}
