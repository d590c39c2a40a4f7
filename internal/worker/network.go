package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Network performs the real request behind a cache miss.
type Network interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// hopHeaders are dropped when copying headers between hops.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPNetwork fetches from the origin with an http.Client. Same-origin
// redirects are followed. A redirect that leaves the origin is not followed
// and yields an opaque response.
type HTTPNetwork struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPNetwork builds a network bound to origin. A zero timeout leaves
// requests bounded only by their context.
func NewHTTPNetwork(origin *url.URL, timeout time.Duration, transport http.RoundTripper) *HTTPNetwork {
	n := &HTTPNetwork{origin: origin}
	n.client = &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if !sameOrigin(req.URL, n.origin) {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return n
}

// Fetch issues the request. Transport errors come back wrapped in ErrNetwork;
// any response that arrived is returned with a nil error, including ones whose
// body failed mid-read (KindError).
func (n *HTTPNetwork) Fetch(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}
	for name, values := range req.Header {
		out.Header[name] = append([]string(nil), values...)
	}
	stripHopHeaders(out.Header)
	// Stored bodies are served to any client, so let the transport negotiate
	// and decode compression.
	out.Header.Del("Accept-Encoding")

	resp, err := n.client.Do(out)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %w", ErrNetwork, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	result := Response{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Kind:   KindBasic,
	}
	stripHopHeaders(result.Header)
	result.Header.Del("Content-Length")

	if !sameOrigin(resp.Request.URL, n.origin) || leavesOrigin(resp) {
		result.Kind = KindOpaque
		_, _ = io.Copy(io.Discard, resp.Body)
		return result, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Kind = KindError
		return result, nil
	}
	result.Body = body
	return result, nil
}

func leavesOrigin(resp *http.Response) bool {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return false
	}
	loc, err := resp.Location()
	if err != nil {
		return false
	}
	return !sameOrigin(loc, &url.URL{Scheme: resp.Request.URL.Scheme, Host: resp.Request.URL.Host})
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
