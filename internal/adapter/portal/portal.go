// Package portal implements the Superior Plus Propane customer portal
// clients. The US portal is scraped from HTML; the Canadian portal exposes a
// paginated JSON endpoint behind a CSRF-protected login.
package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"tankwatch/internal/domain"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	maxBodyBytes     = 4 << 20
)

// Options tune a client. Zero values take defaults.
type Options struct {
	// BaseURL replaces the portal origin, for tests and proxies.
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	RetryDelay time.Duration
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// New returns the client for the region.
func New(region domain.Region, username, password string, opts Options) (domain.ReadingSource, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("portal %s: username and password are required", region.Code)
	}
	switch region.Code {
	case domain.RegionUS.Code:
		return NewUSClient(region, username, password, opts)
	case domain.RegionCA.Code:
		return NewCAClient(region, username, password, opts)
	}
	return nil, fmt.Errorf("portal: unsupported region %q", region.Code)
}

// session is an HTTP client with a cookie jar scoped to one portal.
type session struct {
	base      *url.URL
	userAgent string
	client    *http.Client
}

func newSession(baseURL string, opts Options) (*session, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("portal: parse base url: %w", err)
	}
	s := &session{base: base, userAgent: opts.UserAgent, client: &http.Client{Timeout: opts.Timeout}}
	if err := s.reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// reset discards every cookie.
func (s *session) reset() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("portal: cookie jar: %w", err)
	}
	s.client.Jar = jar
	return nil
}

func (s *session) url(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}

func (s *session) cookie(name string) string {
	for _, c := range s.client.Jar.Cookies(s.base) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// response is a fully read HTTP response with the URL reached after
// redirects.
type response struct {
	status   int
	finalURL string
	body     []byte
}

func (s *session) get(ctx context.Context, path string, header http.Header) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(path), nil)
	if err != nil {
		return nil, err
	}
	return s.do(req, header)
}

func (s *session) postForm(ctx context.Context, path string, form url.Values, header http.Header) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req, header)
}

func (s *session) do(req *http.Request, header http.Header) (*response, error) {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", s.base.Scheme+"://"+s.base.Host)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Msg: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransientError{Msg: "read " + req.URL.Path, Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &domain.TransientError{Msg: fmt.Sprintf("%s returned %d", req.URL.Path, resp.StatusCode)}
	}
	return &response{status: resp.StatusCode, finalURL: resp.Request.URL.String(), body: body}, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
