// Package fetch performs single outbound HTTP GETs for the relay path with a
// bounded timeout, a small number of retries, transparent decompression and
// SSRF re-validation of every redirect hop.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hls-relay/internal/urlguard"

	"github.com/andybalholm/brotli"
)

var (
	// ErrUpstreamStatus is returned for non-2xx responses.
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	// ErrEmptyBody is returned when a 2xx response carries no bytes.
	ErrEmptyBody = errors.New("upstream returned empty body")
	// ErrTooLarge is returned when the decoded body exceeds the limit.
	ErrTooLarge = errors.New("upstream body exceeds size limit")
)

const (
	DefaultTimeout      = 20 * time.Second
	DefaultRetries      = 2
	DefaultRetryDelay   = 300 * time.Millisecond
	DefaultUserAgent    = "Mozilla/5.0 (compatible; hls-relay/1.0)"
	DefaultMaxBody      = 64 << 20
	maxRedirects        = 5
	acceptEncodingValue = "gzip, deflate, br"
)

// Config configures a Client.
type Config struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	UserAgent  string
	Logger     *slog.Logger
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
	// Validate checks every redirect target. Defaults to urlguard.Validate.
	Validate func(string) (string, error)
}

// Request describes one fetch.
type Request struct {
	URL string
	// MaxBody caps the decoded body; 0 uses DefaultMaxBody.
	MaxBody int64
	// Accept is sent as the Accept header when set.
	Accept string
}

// Response is a fully read upstream response.
type Response struct {
	Body        []byte
	ContentType string
	StatusCode  int
	// FinalURL is the URL after redirects.
	FinalURL string
}

// Client is a retrying HTTP GET client.
type Client struct {
	http       *http.Client
	retries    int
	retryDelay time.Duration
	userAgent  string
	log        *slog.Logger
}

// New returns a Client for cfg, filling defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Validate == nil {
		cfg.Validate = urlguard.Validate
	}
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DisableCompression = true
		t.ResponseHeaderTimeout = cfg.Timeout
		transport = t
	}
	validate := cfg.Validate
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if _, err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect target: %w", err)
				}
				return nil
			},
		},
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		userAgent:  cfg.UserAgent,
		log:        cfg.Logger,
	}
}

// Get fetches req.URL. Transport errors and 429/5xx responses are retried up
// to the configured count; other non-2xx responses fail immediately.
func (c *Client) Get(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	delay := c.retryDelay
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying upstream fetch",
				slog.String("url", urlguard.Redact(req.URL)),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		resp, retry, err := c.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req Request) (*Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept-Encoding", acceptEncodingValue)
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	} else {
		httpReq.Header.Set("Accept", "*/*")
	}
	if origin := urlguard.Origin(req.URL); origin != "" {
		httpReq.Header.Set("Referer", origin+"/")
		httpReq.Header.Set("Origin", origin)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, !errors.Is(err, urlguard.ErrRejected), fmt.Errorf("get %s: %w", urlguard.Redact(req.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	body, err := readBody(resp, req.MaxBody)
	if err != nil {
		return nil, !errors.Is(err, ErrTooLarge), err
	}
	if len(body) == 0 {
		return nil, false, ErrEmptyBody
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FinalURL:    resp.Request.URL.String(),
	}, false, nil
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		r = fl
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}
