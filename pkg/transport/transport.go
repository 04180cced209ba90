// Package transport issues the wire-level requests of the SpatialKey v2 API.
//
// Every request targets BaseURL + APIPrefix + command. The sticky route token,
// when present, is always the first query parameter; call-specific parameters
// follow in the order given. Request bodies that carry files are streamed from
// disk in fixed-size chunks and never buffered whole.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
)

const (
	// APIPrefix is appended to the organization URL for every call.
	APIPrefix = "/SpatialKeyFramework/api/v2/"

	// RouteParam is the query parameter carrying the sticky route token.
	RouteParam = "route"

	// RouteCookie is the response cookie the server uses to assign a route.
	RouteCookie = "route"

	chunkSize = 32 * 1024

	tracerName = "github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// Param is a single query or form parameter. Order is preserved on the wire.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list.
type Params []Param

// Encode URL-encodes the parameters in order.
func (p Params) Encode() string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		parts = append(parts, url.QueryEscape(kv.Key)+"="+url.QueryEscape(kv.Value))
	}
	return strings.Join(parts, "&")
}

// Call identifies one API request: the command relative to APIPrefix, the
// sticky route (may be empty) and the call-specific query parameters.
type Call struct {
	Command string
	Route   string
	Params  Params
}

// Query returns the encoded query string with the route first.
func (c Call) Query() string {
	params := c.Params
	if c.Route != "" {
		params = append(Params{{Key: RouteParam, Value: c.Route}}, c.Params...)
	}
	return params.Encode()
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Proxy   ProxyConfig
	// Timeout bounds a single HTTP exchange. Zero means no limit; uploads of
	// large files can legitimately take a long time.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing requests. Zero or negative means unlimited.
	RequestsPerSecond float64
	Logger            *slog.Logger
	// HTTPClient replaces the internally built client. Proxy settings are
	// ignored when it is set.
	HTTPClient *http.Client
}

// Client executes API calls against one organization.
type Client struct {
	mu       sync.RWMutex
	baseURL  string
	proxy    ProxyConfig
	http     *http.Client
	ownsHTTP bool
	timeout  time.Duration

	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a transport client.
func New(opts Options) *Client {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		proxy:   opts.Proxy,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.Component(opts.Logger, "transport"),
		tracer:  otel.Tracer(tracerName),
	}
	if opts.HTTPClient != nil {
		c.http = opts.HTTPClient
	} else {
		c.http = newHTTPClient(opts.Proxy, opts.Timeout)
		c.ownsHTTP = true
	}
	return c
}

func newHTTPClient(proxy ProxyConfig, timeout time.Duration) *http.Client {
	base, _ := http.DefaultTransport.(*http.Transport)
	var tr *http.Transport
	if base != nil {
		tr = base.Clone()
	} else {
		tr = &http.Transport{}
	}
	tr.Proxy = ResolveProxy(proxy)
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Rebind points the client at a new organization URL and proxy. Idle
// connections of the previous binding are dropped.
func (c *Client) Rebind(baseURL string, proxy ProxyConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	if c.ownsHTTP && proxy != c.proxy {
		c.http.CloseIdleConnections()
		c.http = newHTTPClient(proxy, c.timeout)
	}
	c.proxy = proxy
}

// BaseURL returns the organization URL requests are sent to.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// URL builds the absolute request URL for call.
func (c *Client) URL(call Call) string {
	var b strings.Builder
	b.WriteString(c.BaseURL())
	b.WriteString(APIPrefix)
	b.WriteString(call.Command)
	if q := call.Query(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// Get issues a bodiless request. method defaults to GET; DELETE is the other
// verb the API uses this way.
func (c *Client) Get(ctx context.Context, call Call, method string) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	return c.do(ctx, method, call, nil, "", 0)
}

// PostForm posts URL-encoded form parameters.
func (c *Client) PostForm(ctx context.Context, call Call, form Params) (*Response, error) {
	body := strings.NewReader(form.Encode())
	return c.do(ctx, http.MethodPost, call, body, "application/x-www-form-urlencoded", int64(body.Len()))
}

// PostXMLFile posts the file at path as the XML request body.
func (c *Client) PostXMLFile(ctx context.Context, call Call, path string) (*Response, error) {
	body, size, err := newFileBody(path)
	if err != nil {
		return nil, &Error{Method: http.MethodPost, URL: redact(c.URL(call)), Err: err}
	}
	defer body.Close()
	return c.do(ctx, http.MethodPost, call, body, "application/xml; charset=utf-8", size)
}

// PostMultipart uploads files as a multipart/form-data body, one part per
// file under field, each part declared with contentType.
func (c *Client) PostMultipart(ctx context.Context, call Call, paths []string, field, contentType string) (*Response, error) {
	body, err := newMultipartBody(paths, field, contentType)
	if err != nil {
		return nil, &Error{Method: http.MethodPost, URL: redact(c.URL(call)), Err: err}
	}
	defer body.Close()
	return c.do(ctx, http.MethodPost, call, body, body.ContentType(), body.Len())
}

func (c *Client) do(ctx context.Context, method string, call Call, body io.Reader, contentType string, length int64) (*Response, error) {
	target := c.URL(call)
	safeURL := redact(target)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Method: method, URL: safeURL, Err: err}
	}

	ctx, span := c.tracer.Start(ctx, "skimport.http "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", APIPrefix+call.Command),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Method: method, URL: safeURL, Err: err}
	}
	if body != nil {
		req.ContentLength = length
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, text/xml, */*")

	c.mu.RLock()
	hc := c.http
	c.mu.RUnlock()

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.DebugContext(ctx, "request failed", "method", method, "command", call.Command, "error", err)
		return nil, &Error{Method: method, URL: safeURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, &Error{Method: method, URL: safeURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Cookies:    resp.Cookies(),
		Body:       data,
	}
	c.logger.DebugContext(ctx, "request complete",
		"method", method,
		"command", call.Command,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := newStatusError(method, safeURL, resp.StatusCode, data)
		span.RecordError(httpErr)
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return out, httpErr
	}
	return out, nil
}

// redact drops the query string, which carries the bearer token.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
