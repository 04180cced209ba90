package transport

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ProxyConfig describes how outbound requests reach the organization URL.
type ProxyConfig struct {
	Enabled  bool
	URL      string
	Port     int
	User     string
	Password string
	Domain   string
}

// ResolveProxy returns the http.Transport proxy function for cfg.
//
// Disabled proxying yields nil (direct connection). An explicit host and port
// yields a fixed proxy, with credentials when both user and password are set
// (DOMAIN\user when a domain is given). Anything else falls back to the
// ambient proxy from the environment.
func ResolveProxy(cfg ProxyConfig) func(*http.Request) (*url.URL, error) {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.URL) == "" || cfg.Port <= 0 {
		return http.ProxyFromEnvironment
	}
	u, err := ProxyURL(cfg)
	if err != nil {
		return func(*http.Request) (*url.URL, error) { return nil, err }
	}
	return http.ProxyURL(u)
}

// ProxyURL builds the explicit proxy URL described by cfg.
func ProxyURL(cfg ProxyConfig) (*url.URL, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("proxy url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Hostname() == "" {
		return nil, errors.New("proxy url has no host")
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(cfg.Port))
	u.Path = ""
	if cfg.User != "" && cfg.Password != "" {
		user := cfg.User
		if cfg.Domain != "" {
			user = cfg.Domain + `\` + cfg.User
		}
		u.User = url.UserPassword(user, cfg.Password)
	}
	return u, nil
}
