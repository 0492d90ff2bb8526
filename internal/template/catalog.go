// Package template renders logical requests into fully formed outbound
// requests. Rendering is deterministic: the same logical request and the
// same credential snapshot always produce byte-identical output, regardless
// of which execution path will carry it. The target service fingerprints
// request shape, so parameter order, header order, and escaping are all
// fixed by the endpoint catalog rather than left to map iteration.
package template

import (
	"fmt"
	"strings"
)

// Catalog describes the target application's private API surface.
type Catalog struct {
	BaseURL string `yaml:"base_url"`
	// ClientVersion is sent as X-Client-Version on every request. The
	// target rejects calls missing the header it expects from its own
	// web client.
	ClientVersion string               `yaml:"client_version"`
	Endpoints     map[string]*Endpoint `yaml:"endpoints"`
}

// Endpoint is one catalog entry. Query parameters, body fields, and cookies
// are ordered slices; their declared order is the wire order.
type Endpoint struct {
	Method string `yaml:"method"`
	// Path may contain {placeholder} segments filled from params.
	Path    string      `yaml:"path"`
	Query   []FieldSpec `yaml:"query"`
	CSRF    bool        `yaml:"csrf"`
	Cookies []CookieRef `yaml:"cookies"`
	Body    *BodySpec   `yaml:"body"`
}

// FieldSpec binds one wire key to one logical parameter.
type FieldSpec struct {
	Key      string `yaml:"key"`
	Param    string `yaml:"param"`
	Required bool   `yaml:"required"`
}

// CookieRef names a cookie the endpoint sends when the snapshot has it.
// Required cookies gate direct execution only; the delegate path runs with
// the browser's own jar.
type CookieRef struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// BodySpec describes a request body, either "form"
// (application/x-www-form-urlencoded) or "json".
type BodySpec struct {
	Type   string      `yaml:"type"`
	Fields []FieldSpec `yaml:"fields"`
}

// Validate checks catalog invariants after load.
func (c *Catalog) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("catalog: base_url is required")
	}
	if strings.HasSuffix(c.BaseURL, "/") {
		return fmt.Errorf("catalog: base_url must not end with /")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("catalog: no endpoints defined")
	}
	for name, ep := range c.Endpoints {
		switch ep.Method {
		case "GET", "POST", "PUT", "DELETE":
		default:
			return fmt.Errorf("catalog: endpoint %s: unsupported method %q", name, ep.Method)
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("catalog: endpoint %s: path must start with /", name)
		}
		if ep.Body != nil {
			switch ep.Body.Type {
			case "form", "json":
			default:
				return fmt.Errorf("catalog: endpoint %s: unsupported body type %q", name, ep.Body.Type)
			}
		}
	}
	return nil
}

// defaultCookies is the cookie set the target's session layer uses. The
// login flow typically captures the first two; the device cookie is the one
// direct execution usually lacks.
func defaultCookies() []CookieRef {
	return []CookieRef{
		{Name: "sessionid", Required: true},
		{Name: "sessionid_sign", Required: true},
		{Name: "device_t"},
	}
}

// DefaultCatalog returns the compiled-in endpoint catalog, used when no
// catalog file is configured.
func DefaultCatalog(baseURL string) *Catalog {
	return &Catalog{
		BaseURL:       baseURL,
		ClientVersion: "web/2.9.0",
		Endpoints: map[string]*Endpoint{
			"feed": {
				Method: "GET",
				Path:   "/api/v1/feed/",
				Query: []FieldSpec{
					{Key: "count", Param: "count", Required: true},
					{Key: "start", Param: "start"},
				},
				Cookies: defaultCookies(),
			},
			"comments": {
				Method: "GET",
				Path:   "/api/v1/comments/",
				Query: []FieldSpec{
					{Key: "targets", Param: "targets", Required: true},
					{Key: "sort", Param: "sort"},
					{Key: "count", Param: "count"},
					{Key: "start", Param: "start"},
				},
				Cookies: defaultCookies(),
			},
			"profile": {
				Method:  "GET",
				Path:    "/api/v1/users/{username}/",
				Cookies: defaultCookies(),
			},
			"search": {
				Method: "GET",
				Path:   "/api/v1/search/",
				// Wire order is q, type, count. Not alphabetical; the
				// target's client sends it this way.
				Query: []FieldSpec{
					{Key: "q", Param: "query", Required: true},
					{Key: "type", Param: "type"},
					{Key: "count", Param: "count"},
				},
				Cookies: defaultCookies(),
			},
			"vote": {
				Method: "POST",
				Path:   "/api/v1/vote/",
				CSRF:   true,
				Body: &BodySpec{
					Type: "form",
					Fields: []FieldSpec{
						{Key: "target", Param: "target", Required: true},
						{Key: "direction", Param: "direction", Required: true},
					},
				},
				Cookies: defaultCookies(),
			},
			"compose": {
				Method: "POST",
				Path:   "/api/v1/compose/",
				CSRF:   true,
				Body: &BodySpec{
					Type: "json",
					Fields: []FieldSpec{
						{Key: "text", Param: "text", Required: true},
						{Key: "reply_to", Param: "reply_to"},
					},
				},
				Cookies: defaultCookies(),
			},
		},
	}
}
