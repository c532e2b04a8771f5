package cache

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Stored responses are kept as HTTP/1.1 wire bytes.
// Metadata that has no place in the wire format travels in these headers
// and is stripped again when decoding.
const (
	typeHeaderName       = "Offline-Response-Type"
	urlHeaderName        = "Offline-Response-Url"
	redirectedHeaderName = "Offline-Redirected"
	storedAtHeaderName   = "Offline-Stored-At"
)

// EncodeResponse returns the HTTP/1.1 representation of res.
func EncodeResponse(res *Response) ([]byte, error) {
	hres := res.HTTP(nil)
	hres.Header.Set(typeHeaderName, string(res.Type))
	hres.Header.Set(urlHeaderName, res.URL)
	hres.Header.Set(redirectedHeaderName, strconv.FormatBool(res.Redirected))
	hres.Header.Set(storedAtHeaderName, strconv.FormatInt(res.StoredAt.UnixNano(), 10))

	buf := &bytes.Buffer{}
	if err := hres.Write(buf); err != nil {
		return nil, errors.Wrap(err, "write response")
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses bytes written by EncodeResponse.
func DecodeResponse(b []byte) (*Response, error) {
	hres, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	defer hres.Body.Close()
	body, err := io.ReadAll(hres.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	res := &Response{
		Status:     hres.StatusCode,
		StatusText: statusText(hres),
		Type:       ResponseType(hres.Header.Get(typeHeaderName)),
		URL:        hres.Header.Get(urlHeaderName),
		Header:     hres.Header,
		Body:       body,
	}
	res.Redirected, _ = strconv.ParseBool(hres.Header.Get(redirectedHeaderName))
	if ns, err := strconv.ParseInt(hres.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		res.StoredAt = time.Unix(0, ns)
	}

	res.Header.Del(typeHeaderName)
	res.Header.Del(urlHeaderName)
	res.Header.Del(redirectedHeaderName)
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")
	return res, nil
}
