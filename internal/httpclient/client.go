// Package httpclient is the hub's outbound HTTP surface: conditional topic
// fetches, verification challenges, and notification deliveries all go
// through one client with shared timeout, user agent, and body limits.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/strandhub/strand/internal/buildinfo"
)

// maxBodyBytes caps any response body the hub reads. Topic feeds larger than
// this fail the fetch rather than ballooning the database.
const maxBodyBytes = 10 << 20

// StatusError reports a non-success HTTP status from a remote peer.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Permanent reports whether the status indicates a client-side problem that
// retrying will not fix. Per queue semantics a permanent failure still backs
// off and retries, but callers may log it differently.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// Client wraps http.Client with the hub's outbound conventions.
type Client struct {
	hc *http.Client
}

// New builds a client with the given per-request timeout. Redirects are
// followed up to the stdlib default of 10.
func New(timeout time.Duration) *Client {
	return &Client{hc: &http.Client{Timeout: timeout}}
}

// NewWithHTTPClient wraps an existing http.Client; tests inject
// httptest-backed clients through it.
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{hc: hc}
}

// FetchResult is the outcome of a conditional topic fetch.
type FetchResult struct {
	StatusCode   int
	NotModified  bool
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	Links        []Link
}

// Fetch performs a conditional GET of a topic URL. etag and lastModified are
// the validators from the previous successful fetch; empty strings skip the
// corresponding header. A 304 yields NotModified with no body. Non-2xx
// non-304 statuses return a *StatusError.
func (c *Client) Fetch(ctx context.Context, url, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Links:        ParseLinkHeaders(resp.Header.Values("Link")),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := readBodyUTF8(resp, result.ContentType)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", url, err)
	}
	result.Body = body
	return result, nil
}

// readBodyUTF8 reads the capped body, transcoding text content to UTF-8 when
// the Content-Type declares another charset.
func readBodyUTF8(resp *http.Response, contentType string) ([]byte, error) {
	limited := io.LimitReader(resp.Body, maxBodyBytes+1)

	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if !isTextual(contentType) {
		return raw, nil
	}

	reader, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		// Undecodable charset declaration: keep the raw bytes.
		return raw, nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return raw, nil
	}
	return decoded, nil
}

func isTextual(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/xml", "application/atom+xml", "application/rss+xml", "application/xhtml+xml", "application/json":
		return true
	}
	return strings.HasSuffix(mt, "+xml") || strings.HasSuffix(mt, "+json")
}

// Challenge performs a verification GET and returns the status and body.
// The body is capped; challenge echoes are short. A non-empty from is passed
// through as the From header, identifying the original requester to the
// callback.
func (c *Client) Challenge(ctx context.Context, url, from string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build challenge request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if from != "" {
		req.Header.Set("From", from)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("challenge %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read challenge response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// Post sends body to url with the given content type and extra headers,
// returning the response status. The response body is drained and discarded.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
