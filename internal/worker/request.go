package worker

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Mode mirrors the Sec-Fetch-Mode values browsers attach to requests.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request is an intercepted browser request resolved against the origin.
type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination string
	Header      http.Header
}

// NewRequest resolves r against origin. Origin-form requests are addressed to
// the origin. Absolute-form (proxy) requests keep their own URL so requests for
// other hosts stay cross-origin.
func NewRequest(r *http.Request, origin *url.URL) Request {
	var target *url.URL
	if r.URL.IsAbs() {
		u := *r.URL
		target = &u
	} else {
		target = &url.URL{
			Scheme:   origin.Scheme,
			Host:     origin.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		}
	}
	target.Fragment = ""
	target.RawFragment = ""

	req := Request{
		Method:      r.Method,
		URL:         target,
		Mode:        Mode(strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")))),
		Destination: strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))),
		Header:      r.Header.Clone(),
	}
	if req.Mode == "" && req.Method == http.MethodGet && acceptsHTML(r.Header.Get("Accept")) {
		req.Mode = ModeNavigate
	}
	if req.Mode == ModeNavigate && req.Destination == "" {
		req.Destination = "document"
	}
	return req
}

// IsNavigation reports whether the request loads a top-level document.
func (r Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Key is the cache key: path plus query, fragment dropped.
func (r Request) Key() string {
	return requestKey(r.URL)
}

// SameOrigin reports whether the request targets origin.
func (r Request) SameOrigin(origin *url.URL) bool {
	return sameOrigin(r.URL, origin)
}

// Activation exposes the request to CEL route predicates.
func (r Request) Activation() map[string]any {
	query := map[string]any{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	headers := map[string]any{}
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return map[string]any{
		"request": map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       query,
			"mode":        string(r.Mode),
			"destination": r.Destination,
			"navigation":  r.IsNavigation(),
			"headers":     headers,
		},
	}
}

func requestKey(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

func sameOrigin(u, origin *url.URL) bool {
	if u == nil || origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == "text/html" {
			return true
		}
	}
	return false
}
