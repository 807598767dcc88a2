// Package apiclient talks to the remote video generation service. It turns
// typed requests into HTTP calls and HTTP answers into typed results, and
// normalises the two wire status vocabularies into types.JobStatus. Nothing
// is retried here; retry policy belongs to the caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	genlog "github.com/ChuLiYu/genflow/internal/log"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultDownloadTimeout = 300 * time.Second
	defaultRateLimit       = 5
	defaultRateLimitBurst  = 10
	defaultMaxDownload     = 512 << 20
	maxResponseBytes       = 4 << 20
	defaultUserAgent       = "genflow/1"
)

var tracer = otel.Tracer("genflow/apiclient")

// Options configures the client.
type Options struct {
	BaseURL          string
	Token            string // static bearer token
	AppID            string
	UserID           string
	RequestTimeout   time.Duration
	DownloadTimeout  time.Duration
	RateLimit        rate.Limit
	RateLimitBurst   int
	MaxDownloadBytes int64
	UserAgent        string
	Logger           *zerolog.Logger
}

func normalizeOptions(opts Options) Options {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaultDownloadTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = defaultMaxDownload
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	return opts
}

// Client is safe for concurrent use.
type Client struct {
	opts    Options
	base    *url.URL
	api     *http.Client
	media   *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New builds a client. The base URL must be absolute.
func New(opts Options) (*Client, error) {
	opts = normalizeOptions(opts)
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", opts.BaseURL)
	}

	logger := genlog.WithComponent("apiclient")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		opts:    opts,
		base:    base,
		api:     newHTTPClient(opts.RequestTimeout),
		media:   newHTTPClient(opts.DownloadTimeout),
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		logger:  logger,
	}, nil
}

// newHTTPClient returns a client whose overall timeout bounds the whole
// exchange, body included.
func newHTTPClient(timeout time.Duration) *http.Client {
	dial := 10 * time.Second
	if timeout < dial {
		dial = timeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dial,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// endpoint resolves path against the base URL, keeping any base path prefix.
func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) identity() url.Values {
	q := url.Values{}
	q.Set("appId", c.opts.AppID)
	q.Set("userId", c.opts.UserID)
	return q
}

// call performs one API request and decodes the JSON envelope. A set error
// field maps to ErrServerRejected.
func (c *Client) call(ctx context.Context, op, method, rawURL, contentType string, body []byte) (envelope, error) {
	ctx, span := tracer.Start(ctx, "genflow.api."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("genflow.op", op),
	)
	defer span.End()

	env, err := c.doCall(ctx, op, method, rawURL, contentType, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return envelope{}, err
	}
	span.SetStatus(codes.Ok, "")
	return env, nil
}

func (c *Client) doCall(ctx context.Context, op, method, rawURL, contentType string, body []byte) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, newError(op, ErrTransport, err)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return envelope{}, newError(op, ErrTransport, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	start := time.Now()
	resp, err := c.api.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Dur(genlog.FieldDuration, time.Since(start)).Msg("request failed")
		return envelope{}, newError(op, ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope{}, newError(op, ErrTransport, err)
	}

	c.logger.Debug().
		Str("op", op).
		Int("http_status", resp.StatusCode).
		Dur(genlog.FieldDuration, time.Since(start)).
		Msg("request done")

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return envelope{}, &Error{Op: op, Kind: ErrTransport, HTTPCode: resp.StatusCode}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		e := &Error{Op: op, Kind: ErrServerRejected, HTTPCode: resp.StatusCode}
		if decodeErr == nil {
			e.Messages = env.rejection()
		}
		return envelope{}, e
	}
	if decodeErr != nil {
		return envelope{}, newError(op, ErrMalformedResponse, decodeErr)
	}
	if env.Error.set {
		return envelope{}, &Error{Op: op, Kind: ErrServerRejected, HTTPCode: resp.StatusCode, Messages: env.rejection()}
	}
	return env, nil
}

func decodeData(op string, env envelope, v any) error {
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return newError(op, ErrMalformedResponse, errors.New("missing data"))
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return newError(op, ErrMalformedResponse, err)
	}
	return nil
}
