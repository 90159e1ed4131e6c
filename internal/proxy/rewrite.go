package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Hop-by-hop headers are connection-scoped and never forwarded, in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildUpstreamRequest rewrites an incoming request for the route's upstream
// before the strategy runs, so cache keys name the upstream resource rather
// than the proxy's own address. Routes without an upstream keep the client's
// URL, made absolute so keys stay stable.
func buildUpstreamRequest(route *compiledRoute, r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false
	if route.upstream != nil {
		out.URL.Scheme = route.upstream.Scheme
		out.URL.Host = route.upstream.Host
		out.URL.Path, out.URL.RawPath = joinURLPath(route.upstream, r.URL)
		if route.upstream.RawQuery != "" {
			if r.URL.RawQuery == "" {
				out.URL.RawQuery = route.upstream.RawQuery
			} else {
				out.URL.RawQuery = route.upstream.RawQuery + "&" + r.URL.RawQuery
			}
		}
		out.Host = route.upstream.Host
	} else {
		if out.URL.Scheme == "" {
			out.URL.Scheme = "http"
			if r.TLS != nil {
				out.URL.Scheme = "https"
			}
		}
		if out.URL.Host == "" {
			out.URL.Host = r.Host
		}
	}
	stripHopByHop(out.Header)
	setForwardedHeaders(out, r)
	return out
}

func stripHopByHop(h http.Header) {
	for _, field := range strings.Split(h.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			h.Del(field)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func setForwardedHeaders(out, r *http.Request) {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	if r.Host != "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")
	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
