package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Cookies    []*http.Cookie
	Body       []byte
}

// JSON decodes the body as a JSON object.
func (r *Response) JSON() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("decode json response: not an object")
	}
	return out, nil
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Cookie returns the value of the named response cookie, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Lookup walks a slash-separated path through nested JSON objects.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, key := range strings.Split(path, "/") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// RequireString decodes the body and returns the non-empty string at path,
// or a *ProtocolError naming the path and the raw body.
func (r *Response) RequireString(path string) (string, error) {
	doc, err := r.JSON()
	if err != nil {
		return "", &ProtocolError{Path: path, Raw: r.Text()}
	}
	v, ok := Lookup(doc, path)
	s, isString := v.(string)
	if !ok || !isString || s == "" {
		return "", &ProtocolError{Path: path, Raw: r.Text()}
	}
	return s, nil
}
