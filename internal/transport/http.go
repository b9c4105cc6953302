// Package transport is the HTTP Client collaborator: content-length and
// range-support probing plus streaming range GETs, tuned for many
// parallel connections to one host, with optional SOCKS5 proxy dialing.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	dialTimeout           = 10 * time.Second
	keepAliveDuration      = 30 * time.Second
	tlsHandshakeTimeout    = 10 * time.Second
	responseHeaderTimeout  = 20 * time.Second
	expectContinueTimeout  = 1 * time.Second
	idleConnTimeout        = 90 * time.Second
	defaultMaxIdleConns    = 100
	probeTimeout           = 15 * time.Second

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) surge-core/1.0"
)

// Probe is the outcome of fetching a task's content length.
type Probe struct {
	Length    int64
	Resumable bool
}

// Client is the HTTP Client collaborator: probe content length/range
// support, and open a streaming byte range.
type Client interface {
	FetchContentLength(ctx context.Context, rawurl string) (Probe, error)
	OpenRange(ctx context.Context, rawurl string, begin, end int64, resumable bool) (io.ReadCloser, error)
}

// HTTPClient is the production Client, tuned for many concurrent
// connections to the same host and optionally routed through a SOCKS5
// or HTTP proxy.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// Option configures a new HTTPClient.
type Option func(*HTTPClient, *http.Transport)

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *HTTPClient, _ *http.Transport) { c.userAgent = ua }
}

// WithProxy routes all requests through rawProxyURL, supporting
// socks5:// and http(s):// schemes.
func WithProxy(rawProxyURL string) Option {
	return func(_ *HTTPClient, t *http.Transport) {
		parsed, err := url.Parse(rawProxyURL)
		if err != nil {
			return
		}
		if strings.HasPrefix(parsed.Scheme, "socks5") {
			dialer, dialErr := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
			if dialErr != nil {
				return
			}
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
			return
		}
		t.Proxy = http.ProxyURL(parsed)
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify() Option {
	return func(_ *HTTPClient, t *http.Transport) {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
}

// New builds an HTTPClient tuned for maxConns simultaneous connections
// to the same host — force HTTP/1.1 so each chunk gets its own TCP
// connection rather than being multiplexed over one HTTP/2 stream.
func New(maxConns int, opts ...Option) *HTTPClient {
	if maxConns < 1 {
		maxConns = 1
	}
	c := &HTTPClient{userAgent: defaultUserAgent}

	transport := &http.Transport{
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   maxConns + 2,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		TLSNextProto:          make(map[string]func(string, *tls.Conn) http.RoundTripper),
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAliveDuration,
		}).DialContext,
	}

	for _, opt := range opts {
		opt(c, transport)
	}

	c.client = &http.Client{Transport: transport}
	return c
}

// FetchContentLength sends a ranged probe GET (bytes=0-0) and reports
// the file's total length and whether the server honors Range.
func (c *HTTPClient) FetchContentLength(ctx context.Context, rawurl string) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return Probe{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return Probe{}, fmt.Errorf("probe request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		length, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return Probe{}, fmt.Errorf("parse content-range: %w", err)
		}
		return Probe{Length: length, Resumable: true}, nil
	case http.StatusOK:
		return Probe{Length: resp.ContentLength, Resumable: false}, nil
	default:
		return Probe{}, fmt.Errorf("unexpected probe status: %d", resp.StatusCode)
	}
}

// parseContentRangeTotal extracts TOTAL from a "bytes 0-0/TOTAL" header,
// returning 0 if the server reports "*" (unknown).
func parseContentRangeTotal(headerValue string) (int64, error) {
	if headerValue == "" {
		return 0, fmt.Errorf("missing Content-Range header")
	}
	idx := strings.LastIndex(headerValue, "/")
	if idx == -1 {
		return 0, fmt.Errorf("malformed Content-Range: %q", headerValue)
	}
	total := headerValue[idx+1:]
	if total == "*" {
		return 0, nil
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range total: %w", err)
	}
	return n, nil
}

// OpenRange issues a GET for [begin, end] (inclusive) when resumable,
// or an unbounded GET otherwise, and returns the response body as a
// stream the caller reads until EOF or error.
func (c *HTTPClient) OpenRange(ctx context.Context, rawurl string, begin, end int64, resumable bool) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if resumable {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", begin, end))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request: %w", err)
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected range status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
