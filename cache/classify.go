package cache

import (
	"net/http"
	"net/url"
)

// Classify determines the type of a network response for a request that
// originally targeted requested. origin is the application origin.
func Classify(origin, requested *url.URL, res *http.Response) (ResponseType, bool) {
	final := requested
	if res.Request != nil && res.Request.URL != nil {
		final = res.Request.URL
	}
	redirected := final.String() != requested.String()
	switch {
	case SameOrigin(origin, final):
		return TypeBasic, redirected
	case res.Header.Get("Access-Control-Allow-Origin") != "":
		return TypeCORS, redirected
	default:
		return TypeOpaque, redirected
	}
}

// SameOrigin compares scheme and host (including port).
func SameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && canonicalHost(a) == canonicalHost(b)
}

func canonicalHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return u.Hostname() + ":" + port
}
