package worker

import (
	"fmt"
	"net/http"

	"github.com/l0p7/shellcache/internal/config"
	"github.com/l0p7/shellcache/internal/templates"
)

// OfflineMessage is shown when neither the network nor the cached shell can
// answer a navigation.
const OfflineMessage = "Offline - Please check your connection"

const defaultOfflineTemplate = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Urban.IQ - Offline</title></head>
<body>
<h1>{{ .message }}</h1>
<p>{{ .path | html }} could not be loaded.</p>
<p><small>{{ .cache }} &middot; {{ .time | date "2006-01-02 15:04 MST" }}</small></p>
</body>
</html>
`

// OfflinePage renders the 503 page for failed navigations with no cached shell.
type OfflinePage struct {
	tmpl        *templates.Template
	contentType string
}

// NewOfflinePage compiles the configured offline template, falling back to the
// built-in page.
func NewOfflinePage(renderer *templates.Renderer, cfg config.OfflineConfig) (*OfflinePage, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	tmpl, err := renderer.Compile("offline", cfg.Body, cfg.TemplateFile, defaultOfflineTemplate)
	if err != nil {
		return nil, fmt.Errorf("worker: offline page: %w", err)
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return &OfflinePage{tmpl: tmpl, contentType: contentType}, nil
}

// Render builds the offline response. Template failures degrade to a plain
// text body.
func (p *OfflinePage) Render(req Request, cacheName string) Response {
	header := http.Header{}
	header.Set("Cache-Control", "no-store")
	resp := Response{Status: http.StatusServiceUnavailable, Header: header, Kind: KindBasic}
	if req.URL != nil {
		resp.URL = req.URL.String()
	}

	body, err := p.render(req, cacheName)
	if err != nil {
		header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.Body = []byte(OfflineMessage)
		return resp
	}
	header.Set("Content-Type", p.contentType)
	resp.Body = []byte(body)
	return resp
}

func (p *OfflinePage) render(req Request, cacheName string) (string, error) {
	if p == nil || p.tmpl == nil {
		return "", fmt.Errorf("worker: offline template not configured")
	}
	path := "/"
	if req.URL != nil {
		path = req.URL.Path
	}
	return p.tmpl.Render(map[string]any{
		"message":     OfflineMessage,
		"path":        path,
		"destination": req.Destination,
		"cache":       cacheName,
		"time":        timeNow(),
	})
}
