package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives request identities.
// Requests in origin-form ("/path?query") are resolved against the origin,
// requests in absolute-form (forward proxying) are taken as they are.
type CacheKeyer struct {
	// The application origin, used as base for relative URLs.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Resolve returns the absolute URL the request targets, without fragment.
func (c CacheKeyer) Resolve(r *http.Request) *url.URL {
	var u *url.URL
	if r.URL.IsAbs() {
		clone := *r.URL
		u = &clone
	} else {
		u = c.Origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u
}

// ResolveString resolves a possibly relative URL (e.g. "./index.html") against the origin.
func (c CacheKeyer) ResolveString(ref string) (*url.URL, error) {
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	u := c.Origin.ResolveReference(rel)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// GetKey returns the cache key for a request.
// Only GET requests have a key, everything else is never stored.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return KeyForURL(c.Resolve(r)), nil
}

// KeyForURL returns the cache key of a GET for the absolute URL u.
func KeyForURL(u *url.URL) string {
	return http.MethodGet + methodSeparator + u.String()
}

// GetRequestFromKey generates a request equal to the one that resulted in the key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
