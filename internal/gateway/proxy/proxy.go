// Package proxy forwards authenticated gateway requests to upstream model
// providers. Bodies are treated as an opaque tagged union selected by content
// type; no upstream schema is assumed.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds upstream calls when no explicit timeout is set.
const DefaultTimeout = 30 * time.Second

// hopByHopHeaders must not cross the proxy boundary in either direction.
// host, authorization and x-api-key additionally carry gateway credentials
// that the upstream must never see.
var hopByHopHeaders = map[string]bool{
	"host":                true,
	"authorization":       true,
	"x-api-key":           true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Request describes one upstream call.
type Request struct {
	URL     string
	Method  string
	Header  http.Header
	Body    Body
	Timeout time.Duration
}

// Response is the upstream outcome relayed back to the caller.
type Response struct {
	Status     int
	Header     http.Header
	Body       Body
	Duration   time.Duration
	TokensUsed int
}

// Error is a transport-level upstream failure, already classified as the
// gateway status the caller should receive.
type Error struct {
	Status   int
	Message  string
	Duration time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
}

// Client executes upstream calls.
type Client struct {
	http           *http.Client
	defaultTimeout time.Duration
}

// NewClient builds a proxy client. The per-call timeout is enforced through
// request context cancellation, not the transport, so every call gets a
// fresh budget.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:           &http.Client{},
		defaultTimeout: timeout,
	}
}

// Do executes the upstream call. Transport failures come back as *Error
// (504 on timeout, 502 otherwise); both carry the measured duration.
func (c *Client) Do(ctx context.Context, preq *Request) (*Response, error) {
	timeout := preq.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	reader, contentType, err := preq.Body.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, preq.Method, preq.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for key, values := range preq.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		duration := time.Since(start)
		if isTimeout(ctx, err) {
			return nil, &Error{Status: http.StatusGatewayTimeout, Message: "Upstream request timed out", Duration: duration}
		}
		return nil, &Error{Status: http.StatusBadGateway, Message: err.Error(), Duration: duration}
	}
	defer resp.Body.Close()

	body, err := DecodeBody(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Message: err.Error(), Duration: time.Since(start)}
	}

	return &Response{
		Status:     resp.StatusCode,
		Header:     StripHopByHop(resp.Header),
		Body:       body,
		Duration:   time.Since(start),
		TokensUsed: body.TokenUsage(),
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BuildUpstreamURL composes the upstream URL: base (trailing slash stripped)
// + endpoint path + optional sub-path, with duplicate slashes collapsed and
// the original query string appended.
func BuildUpstreamURL(baseURL, endpointPath, subPath, query string) string {
	base := strings.TrimRight(baseURL, "/")

	fullPath := endpointPath
	if subPath != "" && subPath != "/" {
		fullPath = endpointPath + "/" + subPath
	}
	fullPath = collapseSlashes(fullPath)
	if !strings.HasPrefix(fullPath, "/") {
		fullPath = "/" + fullPath
	}

	url := base + fullPath
	if query != "" {
		url += "?" + query
	}
	return url
}

func collapseSlashes(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	var prevSlash bool
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PrepareUpstreamHeaders copies the inbound headers minus the exclusion set,
// then overlays the upstream auth headers. Accept-Encoding is dropped so the
// transport negotiates compression itself and transparently decompresses;
// forwarding the caller's value would hand DecodeBody compressed bytes.
func PrepareUpstreamHeaders(inbound http.Header, upstreamAuth map[string]string) http.Header {
	out := StripHopByHop(inbound)
	out.Del("Accept-Encoding")
	for key, value := range upstreamAuth {
		out.Set(key, value)
	}
	return out
}

// StripHopByHop returns a copy of h without the excluded header set. The
// content-length of the original framing is dropped too since bodies may be
// re-encoded.
func StripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || lower == "content-length" {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}
