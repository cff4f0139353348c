// Package basicbackend adapts github.com/gocolly/colly/v2 into a
// plain-HTTP fetch capability for internal/engine, generalizing a
// persistent colly.Collector driving a whole crawl into a per-request
// fetch the engine can call whenever a task's request doesn't need a
// rendered browser page, the "basic" sibling of pkg/browserpool's
// BrowserBackend.
package basicbackend

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"crawlcore/pkg/frontier"
)

// Response is the outcome of one fetch.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	FinalURL   string
}

// Config tunes the underlying collector.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxDepth     int
	ProxyURL     string
	ExtraHeaders map[string]string
}

// DefaultConfig returns sane collector defaults (Async disabled since
// Backend hands out one synchronous fetch per call rather than
// driving an entire crawl itself).
func DefaultConfig() Config {
	return Config{
		UserAgent: "crawlcore/1.0",
		Timeout:   30 * time.Second,
		MaxDepth:  2,
	}
}

// Backend performs one HTTP fetch per Fetch call through a cloned
// colly collector, grounded in internal/crawler.Crawler's
// OnRequest/OnResponse/OnError wiring and proxy setup.
type Backend struct {
	cfg  Config
	base *colly.Collector
}

// New constructs a Backend. Fetch may be called concurrently; each
// call clones the base collector so callback state never races.
func New(cfg Config) (*Backend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlcore/1.0"
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(cfg.MaxDepth),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.ProxyURL != "" {
		if err := c.SetProxy(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("basicbackend: set proxy: %w", err)
		}
	}

	return &Backend{cfg: cfg, base: c}, nil
}

// Fetch issues req as a plain HTTP request and returns the response.
// The request's own headers take precedence over the backend's
// ExtraHeaders, which take precedence over the default User-Agent.
func (b *Backend) Fetch(req *frontier.Request) (*Response, error) {
	c := b.base.Clone()

	var resp Response
	var fetchErr error

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", b.cfg.UserAgent)
		for k, v := range b.cfg.ExtraHeaders {
			r.Headers.Set(k, v)
		}
		for k, v := range req.Headers {
			r.Headers.Set(k, v)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		resp.StatusCode = r.StatusCode
		resp.Body = append([]byte(nil), r.Body...)
		resp.FinalURL = r.Request.URL.String()
		if r.Headers != nil {
			resp.Headers = *r.Headers
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			resp.StatusCode = r.StatusCode
		}
	})

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Payload) > 0 {
		body = strings.NewReader(string(req.Payload))
	}

	if err := c.Request(method, req.URL, body, nil, nil); err != nil {
		return nil, fmt.Errorf("basicbackend: request %s: %w", req.URL, err)
	}
	c.Wait()

	if fetchErr != nil {
		return &resp, fmt.Errorf("basicbackend: fetch %s: %w", req.URL, fetchErr)
	}
	return &resp, nil
}
