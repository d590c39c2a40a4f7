package worker

import (
	"net/http"
	"strings"
)

// cacheControl holds the Cache-Control directives that decide whether a
// response may be kept in a cache shared by every client.
type cacheControl struct {
	NoStore bool
	NoCache bool
	Private bool
	Public  bool
	SMaxAge bool
}

// parseCacheControl reads a Cache-Control header. Unknown directives and
// directive arguments are ignored.
func parseCacheControl(header string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(header, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "no-store":
			cc.NoStore = true
		case "no-cache":
			cc.NoCache = true
		case "private":
			cc.Private = true
		case "public":
			cc.Public = true
		case "s-maxage":
			cc.SMaxAge = true
		}
	}
	return cc
}

// storable reports whether a shared cache may keep the response.
func (c cacheControl) storable() bool {
	return !c.NoStore && !c.Private
}

// sharedWithCredentials reports whether the origin marked a response to a
// credentialed request as safe for other clients (RFC 9111 section 3.5).
func (c cacheControl) sharedWithCredentials() bool {
	return c.Public || c.SMaxAge
}

// credentialed reports whether the request carries per-user state the origin
// may have used to build the response.
func credentialed(h http.Header) bool {
	return h.Get("Authorization") != "" || h.Get("Cookie") != ""
}

// userHeaders are never written to the shared cache.
var userHeaders = []string{"Set-Cookie", "Set-Cookie2"}
