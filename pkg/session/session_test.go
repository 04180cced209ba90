package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// fakeOAuth is a minimal oauth.json endpoint that counts each kind of call.
type fakeOAuth struct {
	exchanges atomic.Int32
	probes    atomic.Int32
	deletes   atomic.Int32

	route      atomic.Value
	token      string
	omitToken  bool
	rejectAll  atomic.Bool
	lastRoute  atomic.Value
	lastAssert atomic.Value
}

func (f *fakeOAuth) router() http.Handler {
	r := chi.NewRouter()
	r.Post(transport.APIPrefix+"oauth.json", func(w http.ResponseWriter, req *http.Request) {
		f.exchanges.Add(1)
		f.lastRoute.Store(req.URL.Query().Get(transport.RouteParam))
		_ = req.ParseForm()
		f.lastAssert.Store(req.PostForm.Get("assertion"))
		if req.PostForm.Get("grant_type") != GrantTypeJWTBearer {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if route, _ := f.route.Load().(string); route != "" {
			http.SetCookie(w, &http.Cookie{Name: transport.RouteCookie, Value: route})
		}
		if f.omitToken {
			_, _ = io.WriteString(w, `{"error":"nope"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"`+f.token+`"}`)
	})
	r.Get(transport.APIPrefix+"oauth.json", func(w http.ResponseWriter, req *http.Request) {
		f.probes.Add(1)
		if f.rejectAll.Load() || req.URL.Query().Get("token") != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid token"}`)
			return
		}
		_, _ = io.WriteString(w, `{"expires_in":60}`)
	})
	r.Delete(transport.APIPrefix+"oauth.json", func(w http.ResponseWriter, req *http.Request) {
		f.deletes.Add(1)
		_, _ = io.WriteString(w, `{}`)
	})
	return r
}

func newFake(token, route string) *fakeOAuth {
	f := &fakeOAuth{token: token}
	f.route.Store(route)
	return f
}

func (f *fakeOAuth) reset() {
	f.exchanges.Store(0)
	f.probes.Store(0)
	f.deletes.Store(0)
}

func newTestSession(t *testing.T, f *fakeOAuth) (*AuthSession, AuthConfig) {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	tc := transport.New(transport.Options{Logger: logging.Discard()})
	s := New(tc, Options{
		Logger: logging.Discard(),
		Now:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	cfg := AuthConfig{
		OrgURL:       srv.URL,
		UserAPIKey:   "user-key",
		OrgAPIKey:    "org-key",
		OrgSecretKey: "org-secret",
	}
	s.Init(context.Background(), cfg)
	return s, cfg
}

func TestLogin_ExchangesAssertion(t *testing.T) {
	f := newFake("tok-1", "node-a")
	s, _ := newTestSession(t, f)

	token, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, "node-a", s.Route())
	assert.EqualValues(t, 1, f.exchanges.Load())
	assert.EqualValues(t, 0, f.probes.Load())

	assertion := f.lastAssert.Load().(string)
	claims, err := Verify(assertion, "org-secret")
	require.NoError(t, err)
	assert.Equal(t, "org-key", claims["iss"])
	assert.Equal(t, "user-key", claims["prn"])
	assert.Equal(t, "1700000060", claims["exp"])

	cur := s.Current()
	require.NotNil(t, cur)
	assert.Equal(t, DefaultTTL, cur.TTL)
}

func TestLogin_ReusesValidToken(t *testing.T) {
	f := newFake("tok-1", "")
	s, _ := newTestSession(t, f)

	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	f.reset()

	token, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.EqualValues(t, 1, f.probes.Load())
	assert.EqualValues(t, 0, f.exchanges.Load())
}

func TestLogin_InvalidTokenTriggersExchange(t *testing.T) {
	f := newFake("tok-1", "")
	s, _ := newTestSession(t, f)
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)

	f.rejectAll.Store(true)
	f.reset()
	_, err = s.Login(context.Background(), "hint-route")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.probes.Load())
	assert.EqualValues(t, 1, f.exchanges.Load())
	assert.Equal(t, "hint-route", f.lastRoute.Load())
}

func TestLogin_MissingAccessToken(t *testing.T) {
	f := &fakeOAuth{omitToken: true}
	s, _ := newTestSession(t, f)

	_, err := s.Login(context.Background(), "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	var pe *transport.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "access_token", pe.Path)
	assert.Empty(t, s.Token())
	assert.EqualValues(t, 1, f.exchanges.Load())
}

func TestLogin_NotConfigured(t *testing.T) {
	s := New(transport.New(transport.Options{}), Options{Logger: logging.Discard()})
	_, err := s.Login(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestIsTokenValid_SoftFailure(t *testing.T) {
	f := newFake("tok-1", "")
	s, _ := newTestSession(t, f)
	assert.False(t, s.IsTokenValid(context.Background()), "no token held")

	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, s.IsTokenValid(context.Background()))

	f.rejectAll.Store(true)
	assert.False(t, s.IsTokenValid(context.Background()))
}

func TestIsTokenValid_LogsRejectionStatus(t *testing.T) {
	f := newFake("tok-1", "")
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	s := New(transport.New(transport.Options{Logger: logging.Discard()}), Options{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	s.Init(context.Background(), AuthConfig{OrgURL: srv.URL, UserAPIKey: "u", OrgAPIKey: "o", OrgSecretKey: "k"})
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)

	f.rejectAll.Store(true)
	assert.False(t, s.IsTokenValid(context.Background()))
	assert.Contains(t, buf.String(), "token validation failed")
	assert.Contains(t, buf.String(), "http_status=401")
	assert.Contains(t, buf.String(), "component=session")
}

func TestLogout(t *testing.T) {
	t.Run("no token is a no-op", func(t *testing.T) {
		f := newFake("tok-1", "")
		s, _ := newTestSession(t, f)
		s.Logout(context.Background())
		assert.EqualValues(t, 0, f.probes.Load()+f.deletes.Load())
	})

	t.Run("valid token is invalidated remotely", func(t *testing.T) {
		f := newFake("tok-1", "r")
		s, _ := newTestSession(t, f)
		_, err := s.Login(context.Background(), "")
		require.NoError(t, err)

		s.Logout(context.Background())
		assert.EqualValues(t, 1, f.deletes.Load())
		assert.Empty(t, s.Token())
		assert.Empty(t, s.Route())
		assert.Nil(t, s.Current())
	})

	t.Run("invalid token is cleared locally", func(t *testing.T) {
		f := newFake("tok-1", "")
		s, _ := newTestSession(t, f)
		_, err := s.Login(context.Background(), "")
		require.NoError(t, err)

		f.rejectAll.Store(true)
		s.Logout(context.Background())
		assert.EqualValues(t, 0, f.deletes.Load())
		assert.Empty(t, s.Token())
	})
}

func TestInit_SameConfigIsNoop(t *testing.T) {
	f := newFake("tok-1", "")
	s, cfg := newTestSession(t, f)
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	f.reset()

	s.Init(context.Background(), cfg)
	assert.Equal(t, "tok-1", s.Token())
	assert.EqualValues(t, 0, f.probes.Load()+f.deletes.Load()+f.exchanges.Load())
}

func TestInit_ChangedConfigForcesLogoutThenLogin(t *testing.T) {
	f := newFake("tok-1", "")
	s, cfg := newTestSession(t, f)
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)
	f.reset()

	cfg.UserAPIKey = "other-user"
	s.Init(context.Background(), cfg)
	assert.EqualValues(t, 1, f.deletes.Load())
	assert.Empty(t, s.Token())

	_, err = s.Login(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.exchanges.Load())
	assert.Equal(t, "other-user", s.Config().UserAPIKey)
}

func TestInit_PrefixesScheme(t *testing.T) {
	tc := transport.New(transport.Options{})
	s := New(tc, Options{Logger: logging.Discard()})
	s.Init(context.Background(), AuthConfig{OrgURL: "acme.spatialkey.com/"})
	assert.Equal(t, "https://acme.spatialkey.com", s.Config().OrgURL)
	assert.Equal(t, "https://acme.spatialkey.com", tc.BaseURL())
}

func TestRelogin(t *testing.T) {
	f := newFake("tok-1", "node-a")
	s, _ := newTestSession(t, f)
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, s.Relogin(context.Background()))
	assert.Equal(t, "node-a", f.lastRoute.Load())

	f.route.Store("node-b")
	err = s.Relogin(context.Background())
	assert.True(t, errors.Is(err, ErrRouteChanged))
}

func TestCall_TokenAfterRoute(t *testing.T) {
	f := newFake("tok-1", "node-a")
	s, _ := newTestSession(t, f)
	_, err := s.Login(context.Background(), "")
	require.NoError(t, err)

	call := s.Call("dataset.json", transport.Param{Key: "method", Value: "Append"})
	assert.Equal(t, "route=node-a&token=tok-1&method=Append", call.Query())
}
