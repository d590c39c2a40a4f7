package server

import (
	"net/http"
	"strings"
)

// AdminHTTP defines the minimal surface the admin router needs from the
// worker registration.
type AdminHTTP interface {
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeExplain(http.ResponseWriter, *http.Request)
	ServeActivate(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewHandler mounts the admin routes under prefix and hands every other
// request to app. A nil metrics handler leaves /metrics unrouted.
func NewHandler(prefix string, admin AdminHTTP, metrics http.Handler, app http.Handler) http.Handler {
	prefix = "/" + strings.Trim(prefix, "/")
	if app == nil {
		app = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseAdminRoute(prefix, r.URL.Path)
		if !ok {
			app.ServeHTTP(w, r)
			return
		}
		if admin == nil {
			http.Error(w, "registration unavailable", http.StatusServiceUnavailable)
			return
		}

		switch route {
		case "healthz":
			admin.ServeHealth(w, r)
		case "explain":
			admin.ServeExplain(w, r)
		case "activate":
			admin.ServeActivate(w, r)
		case "metrics":
			if metrics == nil {
				admin.WriteError(w, http.StatusNotFound, "metrics disabled")
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			admin.WriteError(w, http.StatusNotFound, "unknown admin route: "+route)
		}
	})
}

// parseAdminRoute reports whether path falls under the admin prefix and, if
// so, which route it names. A prefix of "/" mounts admin routes at the root
// and only the known names are claimed there.
func parseAdminRoute(prefix, path string) (string, bool) {
	var rest string
	if prefix == "/" {
		rest = path
	} else {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			return "", false
		}
		rest = strings.TrimPrefix(path, prefix)
	}

	route := strings.ToLower(strings.Trim(rest, "/"))
	switch route {
	case "health", "healthz":
		return "healthz", true
	case "explain", "activate", "metrics":
		return route, true
	}
	if prefix == "/" {
		return "", false
	}
	return route, true
}
