package worker

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewPassthrough returns the default network path for requests the worker
// does not intercept. Origin-form requests go to origin; absolute-form proxy
// requests go to the host they name.
func NewPassthrough(origin *url.URL, transport http.RoundTripper, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := origin
			if pr.In.URL.IsAbs() {
				target = &url.URL{Scheme: pr.In.URL.Scheme, Host: pr.In.URL.Host}
			}
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("passthrough request failed",
				slog.String("method", r.Method),
				slog.String("url", r.URL.Redacted()),
				slog.Any("error", err),
			)
			w.Header().Set(HeaderCache, string(SourceError))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}
}
