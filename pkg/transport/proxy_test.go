package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProxy(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://acme.spatialkey.com/", nil)
	require.NoError(t, err)

	t.Run("disabled is direct", func(t *testing.T) {
		assert.Nil(t, ResolveProxy(ProxyConfig{URL: "proxy.local", Port: 8080}))
	})

	t.Run("explicit host and port", func(t *testing.T) {
		fn := ResolveProxy(ProxyConfig{Enabled: true, URL: "proxy.local", Port: 8080})
		require.NotNil(t, fn)
		u, err := fn(req)
		require.NoError(t, err)
		assert.Equal(t, "http://proxy.local:8080", u.String())
		assert.Nil(t, u.User)
	})

	t.Run("credentials need user and password", func(t *testing.T) {
		u, err := ProxyURL(ProxyConfig{Enabled: true, URL: "proxy.local", Port: 8080, User: "bob"})
		require.NoError(t, err)
		assert.Nil(t, u.User)

		u, err = ProxyURL(ProxyConfig{Enabled: true, URL: "https://proxy.local/ignored", Port: 3128, User: "bob", Password: "pw"})
		require.NoError(t, err)
		assert.Equal(t, "bob", u.User.Username())
		pw, _ := u.User.Password()
		assert.Equal(t, "pw", pw)
		assert.Equal(t, "https", u.Scheme)
		assert.Equal(t, "proxy.local:3128", u.Host)
	})

	t.Run("domain prefixes user", func(t *testing.T) {
		u, err := ProxyURL(ProxyConfig{Enabled: true, URL: "proxy.local", Port: 8080, User: "bob", Password: "pw", Domain: "CORP"})
		require.NoError(t, err)
		assert.Equal(t, `CORP\bob`, u.User.Username())
	})

	t.Run("no explicit host falls back to environment", func(t *testing.T) {
		t.Setenv("HTTPS_PROXY", "http://ambient.local:9999")
		fn := ResolveProxy(ProxyConfig{Enabled: true})
		require.NotNil(t, fn)
		u, err := fn(req)
		require.NoError(t, err)
		if u != nil {
			// http.ProxyFromEnvironment caches its environment on first use,
			// so only assert when this process picked up our value.
			assert.NotEmpty(t, u.Host)
		}
	})

	t.Run("bad explicit url surfaces an error", func(t *testing.T) {
		fn := ResolveProxy(ProxyConfig{Enabled: true, URL: "http://", Port: 8080})
		require.NotNil(t, fn)
		_, err := fn(req)
		assert.Error(t, err)
	})
}
