package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// StatusByID asks the per-id status endpoint about one generation.
func (c *Client) StatusByID(ctx context.Context, id types.JobID) (StatusReport, error) {
	if id == "" {
		return StatusReport{}, newError("status", ErrInvalidPayload, errors.New("empty generation id"))
	}
	q := url.Values{}
	q.Set("generationId", string(id))

	env, err := c.call(ctx, "status", http.MethodGet, c.endpoint("/generationStatus", q), "", nil)
	if err != nil {
		return StatusReport{}, err
	}
	var data wireStatusData
	if err := decodeData("status", env, &data); err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		JobID:     id,
		Status:    types.JobStatus(data.Status),
		ResultURL: strings.TrimSpace(data.ResultURL),
		Message:   data.Error,
		Progress:  data.Progress,
	}, nil
}

// ListGenerations returns every generation of the configured user, in the
// order the server lists them.
func (c *Client) ListGenerations(ctx context.Context) ([]StatusReport, error) {
	env, err := c.call(ctx, "list", http.MethodGet, c.endpoint("/generations", c.identity()), "", nil)
	if err != nil {
		return nil, err
	}
	var gens []wireGeneration
	if err := decodeData("list", env, &gens); err != nil {
		return nil, err
	}

	out := make([]StatusReport, 0, len(gens))
	for _, g := range gens {
		if g.ID == "" {
			continue
		}
		out = append(out, StatusReport{
			JobID:     types.JobID(g.ID),
			Status:    types.JobStatus(g.Status),
			ResultURL: strings.TrimSpace(g.Result),
			Prompt:    g.Prompt,
		})
	}
	return out, nil
}

// Effects fetches the effect catalog.
func (c *Client) Effects(ctx context.Context) ([]types.Effect, error) {
	env, err := c.call(ctx, "effects", http.MethodGet, c.endpoint("/filters", c.identity()), "", nil)
	if err != nil {
		return nil, err
	}
	var items []wireEffect
	if err := decodeData("effects", env, &items); err != nil {
		return nil, err
	}
	out := make([]types.Effect, 0, len(items))
	for _, it := range items {
		out = append(out, types.Effect{
			ID:           it.ID,
			Title:        it.Title,
			Preview:      it.Preview,
			PreviewSmall: it.PreviewSmall,
		})
	}
	return out, nil
}

// Download fetches media bytes under the download timeout. The bearer token
// is only sent to the API host.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "genflow.api.download", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	data, err := c.download(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("genflow.bytes", len(data)))
	span.SetStatus(codes.Ok, "")
	return data, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, newError("download", ErrInvalidPayload, fmt.Errorf("bad media url %q", rawURL))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, newError("download", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, newError("download", ErrTransport, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Token != "" && strings.EqualFold(u.Host, c.base.Host) {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.media.Do(req)
	if err != nil {
		return nil, newError("download", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Op: "download", Kind: ErrTransport, HTTPCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Op: "download", Kind: ErrServerRejected, HTTPCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxDownloadBytes+1))
	if err != nil {
		return nil, newError("download", ErrTransport, err)
	}
	if int64(len(data)) > c.opts.MaxDownloadBytes {
		return nil, newError("download", ErrServerRejected, fmt.Errorf("media exceeds %d bytes", c.opts.MaxDownloadBytes))
	}
	if len(data) == 0 {
		return nil, newError("download", ErrMalformedResponse, errors.New("empty media body"))
	}
	return data, nil
}
