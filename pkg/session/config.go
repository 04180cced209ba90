package session

import (
	"errors"
	"strings"

	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// AuthConfig holds the credentials and network settings for one organization.
// It is compared by value: two configs with equal fields are the same binding.
type AuthConfig struct {
	OrgURL       string
	UserAPIKey   string
	OrgAPIKey    string
	OrgSecretKey string
	Proxy        transport.ProxyConfig
}

// Merge returns a copy of c with every non-empty field of override applied.
// Proxy fields merge individually; Enabled is taken from override only when
// override sets some other proxy field or enables proxying itself.
func (c AuthConfig) Merge(override AuthConfig) AuthConfig {
	out := c
	if override.OrgURL != "" {
		out.OrgURL = override.OrgURL
	}
	if override.UserAPIKey != "" {
		out.UserAPIKey = override.UserAPIKey
	}
	if override.OrgAPIKey != "" {
		out.OrgAPIKey = override.OrgAPIKey
	}
	if override.OrgSecretKey != "" {
		out.OrgSecretKey = override.OrgSecretKey
	}

	p := override.Proxy
	if p != (transport.ProxyConfig{}) {
		out.Proxy.Enabled = p.Enabled
	}
	if p.URL != "" {
		out.Proxy.URL = p.URL
	}
	if p.Port != 0 {
		out.Proxy.Port = p.Port
	}
	if p.User != "" {
		out.Proxy.User = p.User
	}
	if p.Password != "" {
		out.Proxy.Password = p.Password
	}
	if p.Domain != "" {
		out.Proxy.Domain = p.Domain
	}
	return out
}

// Validate reports the first missing credential.
func (c AuthConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.OrgURL) == "" {
		missing = append(missing, "organization url")
	}
	if c.UserAPIKey == "" {
		missing = append(missing, "user api key")
	}
	if c.OrgAPIKey == "" {
		missing = append(missing, "organization api key")
	}
	if c.OrgSecretKey == "" {
		missing = append(missing, "organization secret key")
	}
	if len(missing) > 0 {
		return errors.New("auth config missing " + strings.Join(missing, ", "))
	}
	return nil
}

// Normalized returns c with the organization URL given an https:// scheme
// when it is a bare host, and no trailing slash.
func (c AuthConfig) Normalized() AuthConfig {
	c.OrgURL = NormalizeOrgURL(c.OrgURL)
	return c
}

// NormalizeOrgURL prefixes https:// onto a bare host.
func NormalizeOrgURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}
