package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ResponseType classifies a response by how it relates to the application origin.
type ResponseType string

const (
	// Same-origin response, safe to inspect and persist.
	TypeBasic ResponseType = "basic"
	// Cross-origin response that was shared via CORS.
	TypeCORS ResponseType = "cors"
	// Cross-origin response whose contents cannot be trusted.
	TypeOpaque ResponseType = "opaque"
	// Synthesized response, never coming from the network.
	TypeError ResponseType = "error"
)

// Response is a fully buffered HTTP response.
// Once stored it is never mutated; a re-cache replaces it wholesale.
type Response struct {
	Status     int
	StatusText string
	Type       ResponseType
	// Redirected is set if the network client followed at least one redirect.
	Redirected bool
	// URL is the final URL the response was received from.
	URL      string
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of the response.
// A response handed to a client and the copy handed to the cache must not share
// header maps or body bytes.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return &c
}

// Size is the approximate number of bytes the response occupies in storage.
func (r *Response) Size() int64 {
	size := int64(len(r.Body)) + int64(len(r.URL))
	for k, vv := range r.Header {
		for _, v := range vv {
			size += int64(len(k) + len(v))
		}
	}
	return size
}

// HTTP converts the response into an *http.Response with a fresh body reader.
func (r *Response) HTTP(req *http.Request) *http.Response {
	statusText := r.StatusText
	if statusText == "" {
		statusText = http.StatusText(r.Status)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, statusText),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// NewResponse buffers the body of an http.Response.
// The body of res is consumed and closed.
func NewResponse(res *http.Response, typ ResponseType) (*Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	StripHopHeaders(header)
	out := &Response{
		Status:     res.StatusCode,
		StatusText: statusText(res),
		Type:       typ,
		Header:     header,
		Body:       body,
	}
	if res.Request != nil && res.Request.URL != nil {
		out.URL = res.Request.URL.String()
	}
	return out, nil
}

// hop-by-hop headers describe one connection and are neither stored nor forwarded
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

// StripHopHeaders removes the hop-by-hop headers from h, including those
// named by its Connection header.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// statusText extracts the reason phrase from a "200 OK" style status line.
func statusText(res *http.Response) string {
	if i := strings.IndexByte(res.Status, ' '); i >= 0 {
		return res.Status[i+1:]
	}
	return http.StatusText(res.StatusCode)
}
