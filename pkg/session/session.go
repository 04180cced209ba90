// Package session owns the authenticated session against a SpatialKey
// organization: JWT-bearer login, token validation, logout and sticky routing.
//
// State machine: LoggedOut -> Active on a successful login; Active ->
// LoggedOut on logout or when the bound AuthConfig changes; Active -> Active
// when a validation probe still returns a well-formed response.
//
// An AuthSession is used from one goroutine at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

const (
	// DefaultTTL is the assertion lifetime used when Options.TTL is zero.
	DefaultTTL = 60 * time.Second

	oauthCommand = "oauth.json"
	tokenParam   = "token"
)

var (
	// ErrNotConfigured is returned by Login before Init bound a config.
	ErrNotConfigured = errors.New("session: no auth config bound")

	// ErrRouteChanged is returned by Relogin when the server assigned a
	// different sticky route than the session held before.
	ErrRouteChanged = errors.New("session: route changed on relogin")
)

// AuthError reports a failed login exchange.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Session is the server-side state held after a successful login.
type Session struct {
	Token string
	Route string
	TTL   time.Duration
}

// Options configures an AuthSession.
type Options struct {
	TTL    time.Duration
	Logger *slog.Logger
	Signer Signer
	Now    func() time.Time
}

// AuthSession binds one AuthConfig at a time and keeps at most one Session.
type AuthSession struct {
	transport *transport.Client
	logger    *slog.Logger
	signer    Signer
	now       func() time.Time
	ttl       time.Duration

	cfg   AuthConfig
	bound bool
	token string
	route string
}

// New creates an AuthSession that issues its calls through tc.
func New(tc *transport.Client, opts Options) *AuthSession {
	s := &AuthSession{
		transport: tc,
		logger:    opts.Logger,
		signer:    opts.Signer,
		now:       opts.Now,
		ttl:       opts.TTL,
	}
	s.logger = logging.Component(s.logger, "session")
	if s.signer == nil {
		s.signer = Sign
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	return s
}

// Init binds cfg. Binding a config equal to the current one is a no-op;
// otherwise the existing session is logged out, token and route are cleared
// and the transport is pointed at the new organization.
func (s *AuthSession) Init(ctx context.Context, cfg AuthConfig) {
	cfg = cfg.Normalized()
	if s.bound && cfg == s.cfg {
		return
	}
	if s.bound {
		s.logger.InfoContext(ctx, "auth config changed, ending current session", "org_url", cfg.OrgURL)
	}
	s.Logout(ctx)
	s.token = ""
	s.route = ""
	s.cfg = cfg
	s.bound = true
	s.transport.Rebind(cfg.OrgURL, cfg.Proxy)
}

// Config returns the bound config snapshot.
func (s *AuthSession) Config() AuthConfig {
	return s.cfg
}

// Token returns the held bearer token, or "".
func (s *AuthSession) Token() string {
	return s.token
}

// Route returns the sticky route token, or "".
func (s *AuthSession) Route() string {
	return s.route
}

// Current returns the session state, or nil when logged out.
func (s *AuthSession) Current() *Session {
	if s.token == "" {
		return nil
	}
	return &Session{Token: s.token, Route: s.route, TTL: s.ttl}
}

// Call builds a transport call for command carrying the route and the token
// ahead of params.
func (s *AuthSession) Call(command string, params ...transport.Param) transport.Call {
	all := make(transport.Params, 0, len(params)+1)
	if s.token != "" {
		all = append(all, transport.Param{Key: tokenParam, Value: s.token})
	}
	all = append(all, params...)
	return transport.Call{Command: command, Route: s.route, Params: all}
}

// Login returns a usable bearer token. A held token that passes the
// validation probe is returned as is. Otherwise a new assertion is exchanged
// for a token; routeHint, when set, replaces the last known route for the
// exchange. There is no retry.
func (s *AuthSession) Login(ctx context.Context, routeHint string) (string, error) {
	if !s.bound {
		return "", &AuthError{Op: "login", Err: ErrNotConfigured}
	}
	if s.token != "" && s.IsTokenValid(ctx) {
		return s.token, nil
	}

	s.token = ""
	if routeHint != "" {
		s.route = routeHint
	}

	now := s.now()
	assertion, err := s.signer(NewClaims(s.cfg, s.ttl, now), s.cfg.OrgSecretKey)
	if err != nil {
		return "", &AuthError{Op: "sign assertion", Err: err}
	}

	resp, err := s.transport.PostForm(ctx,
		transport.Call{Command: oauthCommand, Route: s.route},
		transport.Params{
			{Key: "grant_type", Value: GrantTypeJWTBearer},
			{Key: "assertion", Value: assertion},
		},
	)
	if err != nil {
		return "", &AuthError{Op: "login", Err: err}
	}
	token, err := resp.RequireString("access_token")
	if err != nil {
		return "", &AuthError{Op: "login", Err: err}
	}
	if route := resp.Cookie(transport.RouteCookie); route != "" {
		s.route = route
	}
	s.token = token
	s.logger.DebugContext(ctx, "logged in", "org_url", s.cfg.OrgURL, "route", s.route)
	return token, nil
}

// IsTokenValid probes the held token. Any transport failure is logged and
// treated as invalid; it is never an error.
func (s *AuthSession) IsTokenValid(ctx context.Context) bool {
	if s.token == "" {
		return false
	}
	resp, err := s.transport.Get(ctx, s.Call(oauthCommand), http.MethodGet)
	if err != nil {
		s.logger.WarnContext(ctx, "token validation failed", "http_status", transport.StatusCode(err), "error", err)
		return false
	}
	if _, err := resp.JSON(); err != nil {
		s.logger.WarnContext(ctx, "token validation returned malformed response", "error", err)
		return false
	}
	return true
}

// Logout invalidates the held token server-side, best effort. Local state
// is always cleared; failures are only logged.
func (s *AuthSession) Logout(ctx context.Context) {
	if s.token == "" {
		return
	}
	defer func() {
		s.token = ""
		s.route = ""
	}()
	if !s.IsTokenValid(ctx) {
		return
	}
	if _, err := s.transport.Get(ctx, s.Call(oauthCommand), http.MethodDelete); err != nil {
		s.logger.WarnContext(ctx, "logout failed", "error", err)
	}
}

// Relogin logs out and logs back in on the same route.
//
// The route equality check may be stricter than the server requires if it is
// free to reassign routes; it is kept until that is confirmed.
func (s *AuthSession) Relogin(ctx context.Context) error {
	route := s.route
	s.Logout(ctx)
	if _, err := s.Login(ctx, route); err != nil {
		return err
	}
	if s.route != route {
		return fmt.Errorf("%w: had %q, got %q", ErrRouteChanged, route, s.route)
	}
	return nil
}
