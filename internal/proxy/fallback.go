package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/cacheflow"
	"github.com/l0p7/cacheflow/internal/config"
	"github.com/l0p7/cacheflow/internal/templates"
)

// fallbackData is the activation an inline fallback template renders with.
type fallbackData struct {
	Route  string
	Method string
	Path   string
	Error  string
}

// fallbackPlugin rescues failed invocations with a rendered synthetic
// response so clients see the route's configured degradation page instead of
// a bare gateway error. A render failure leaves the original error standing.
func fallbackPlugin(route string, cfg config.FallbackConfig, tmpl *templates.Template, logger *slog.Logger) cacheflow.Plugin {
	status := cfg.Status
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	contentType := strings.TrimSpace(cfg.ContentType)
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	return cacheflow.Plugin{
		Name: "fallback",
		HandlerDidError: func(_ context.Context, args *cacheflow.HandlerDidErrorArgs) (*http.Response, error) {
			var body string
			if tmpl != nil {
				data := fallbackData{Route: route, Method: args.Request.Method, Error: args.Err.Error()}
				if args.Request.URL != nil {
					data.Path = args.Request.URL.Path
				}
				rendered, err := tmpl.Render(data)
				if err != nil {
					logger.Warn("fallback render failed",
						slog.String("template", tmpl.Name()),
						slog.Any("error", err))
					return nil, nil
				}
				body = rendered
			}
			resp := &http.Response{
				Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
				StatusCode:    status,
				Proto:         "HTTP/1.1",
				ProtoMajor:    1,
				ProtoMinor:    1,
				Header:        make(http.Header),
				Body:          io.NopCloser(strings.NewReader(body)),
				ContentLength: int64(len(body)),
				Request:       args.Request,
			}
			resp.Header.Set("Content-Type", contentType)
			resp.Header.Set(cacheSourceHeader, sourceFallback)
			return resp, nil
		},
	}
}
