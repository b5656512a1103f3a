// Package transport speaks the Provider's HTTP surface: regional endpoint
// selection, basic-auth, per-host timeouts, retry/backoff, and rate-limit
// classification. One Transport is created per Workspace and reused for the
// lifetime of the process (spec §4.1).
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goccyjson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/mplogger"
	"github.com/ajitpratap0/mpdata/pkg/mpmetrics"
)

// maxNDJSONLineSize bounds a single scanned line; the Provider's export
// format is one compact JSON object per line, well under this ceiling.
const maxNDJSONLineSize = 10 * 1024 * 1024

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxNDJSONLineSize)
	return scanner
}

// Host selects which of the Provider's two base URLs a request targets.
type Host int

const (
	// HostQuery is the query API (mixpanel.com/api and its regional variants).
	HostQuery Host = iota
	// HostExport is the bulk-export host (data.mixpanel.com and variants).
	HostExport
)

// Transport is the single process-wide HTTP client for one Workspace.
type Transport struct {
	creds       mixpanel.Credentials
	httpClient  *http.Client
	retry       retryPolicy
	logger      *zap.Logger
	metrics     *mpmetrics.Collector
	queryBase   string
	exportBase  string
	readTimeout time.Duration
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithHTTPTimeout overrides the default 30s per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(t *Transport) { t.httpClient.Timeout = d }
}

// WithReadTimeout sets the stored idle-read timeout for NDJSON streams.
// StreamNDJSON does not apply it: a stream is bounded only by the client's
// overall per-request timeout (WithHTTPTimeout), which covers the whole
// body transfer.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) { t.readTimeout = d }
}

// WithMaxAttempts overrides the default number of attempts per request.
func WithMaxAttempts(n int) Option {
	return func(t *Transport) { t.retry.maxAttempts = n }
}

// WithBaseURLs overrides the derived regional endpoints, for talking to a
// test double or a self-hosted proxy in front of the Provider.
func WithBaseURLs(queryBase, exportBase string) Option {
	return func(t *Transport) {
		t.queryBase = queryBase
		t.exportBase = exportBase
	}
}

// New creates a Transport bound to creds's region with a connection-pooled
// http.Client, matching the teacher's initializeHTTPClient pattern.
func New(creds mixpanel.Credentials, opts ...Option) *Transport {
	t := &Transport{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:       defaultRetryPolicy(),
		logger:      mplogger.Named("transport"),
		metrics:     mpmetrics.NewCollector("transport"),
		queryBase:   creds.Region.Endpoint(),
		exportBase:  creds.Region.ExportEndpoint(),
		readTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Close releases the underlying connection pool.
func (t *Transport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

func (t *Transport) baseFor(host Host) string {
	if host == HostExport {
		return t.exportBase
	}
	return t.queryBase
}

func (t *Transport) buildURL(host Host, endpoint string, params url.Values) string {
	u := strings.TrimRight(t.baseFor(host), "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (t *Transport) newRequest(ctx context.Context, method, fullURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, mperrors.Wrap(err, mperrors.TypeTransportError, "failed to build request")
	}
	req.SetBasicAuth(t.creds.Account, t.creds.Secret())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Request issues method against endpoint on host with params and an
// optional JSON body, returning the decoded JSON value. Idempotent failures
// (connection error, 5xx, 429) are retried per spec §4.1.
func (t *Transport) Request(ctx context.Context, host Host, method, endpoint string, params url.Values, body interface{}) (interface{}, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := goccyjson.Marshal(body)
		if err != nil {
			return nil, mperrors.Wrap(err, mperrors.TypeProtocolError, "failed to encode request body")
		}
		bodyBytes = b
	}

	fullURL := t.buildURL(host, endpoint, params)

	var lastErr error
	for attempt := 0; attempt < t.retry.maxAttempts; attempt++ {
		start := time.Now()
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := t.newRequest(ctx, method, fullURL, reader)
		if err != nil {
			return nil, err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.httpClient.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			lastErr = mperrors.Wrap(err, mperrors.TypeTransportError, "request failed").WithDetail("endpoint", endpoint)
			t.logger.Warn("request attempt failed",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.Duration("elapsed", elapsed), zap.Error(err))
			t.metrics.RecordRetry(endpoint)
			if waitErr := t.waitBeforeRetry(ctx, attempt, 0); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		value, classified := t.handleResponse(resp, endpoint)
		resp.Body.Close()

		if classified == nil {
			t.metrics.RecordRequest(endpoint, "success", elapsed)
			t.logger.Debug("request completed",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.Duration("elapsed", elapsed))
			return value, nil
		}

		lastErr = classified
		var mpErr *mperrors.Error
		mperrors.As(classified, &mpErr)

		if !mperrors.IsRetryable(classified) {
			t.metrics.RecordRequest(endpoint, string(mpErr.Type), elapsed)
			return nil, classified
		}

		t.metrics.RecordRequest(endpoint, string(mpErr.Type), elapsed)
		t.metrics.RecordRetry(endpoint)
		t.logger.Warn("retryable response",
			zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.String("type", string(mpErr.Type)))

		if waitErr := t.waitBeforeRetry(ctx, attempt, mpErr.RetryAfter); waitErr != nil {
			return nil, waitErr
		}
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", t.retry.maxAttempts, lastErr)
}

func (t *Transport) waitBeforeRetry(ctx context.Context, attempt int, override time.Duration) error {
	d := t.retry.delay(attempt, override)
	if err := sleep(ctx, d); err != nil {
		return mperrors.Wrap(err, mperrors.TypeTransportError, "retry cancelled")
	}
	return nil
}

// handleResponse classifies the HTTP status and, for success, decodes the
// JSON body. It never returns both a value and an error.
func (t *Transport) handleResponse(resp *http.Response, endpoint string) (interface{}, *mperrors.Error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var value interface{}
		if err := goccyjson.NewDecoder(resp.Body).Decode(&value); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, mperrors.New(mperrors.TypeProtocolError, "failed to decode response body").WithDetail("endpoint", endpoint)
		}
		return value, nil
	}

	message := readErrorBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, mperrors.New(mperrors.TypeAuthenticationFailure, message).WithDetail("endpoint", endpoint)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := mperrors.New(mperrors.TypeRateLimited, message).WithDetail("endpoint", endpoint)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, e
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, mperrors.New(mperrors.TypeQueryError, message).WithDetail("endpoint", endpoint).WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, mperrors.New(mperrors.TypeServerError, message).WithDetail("endpoint", endpoint).WithDetail("status", resp.StatusCode)
	default:
		return nil, mperrors.New(mperrors.TypeQueryError, message).WithDetail("endpoint", endpoint).WithDetail("status", resp.StatusCode)
	}
}

// NDJSONLine is one decoded line of a streamed export, or an error. A
// malformed line yields an error and the stream continues with the next
// line; a read failure or cancellation yields an error and ends the stream.
type NDJSONLine struct {
	Value interface{}
	Err   error
}

// StreamNDJSON issues a GET against endpoint on host and returns a channel
// of decoded lines, closing it when the body is exhausted, the context is
// cancelled, or a read error occurs. The response body is never buffered in
// full: each line is decoded and handed off before the next is read (spec
// §4.3's "lazy sequence, single forward pass"). The initial dial and status
// classification share Request's retry policy (spec §4.1: idempotent
// failures — connection error, 5xx, 429 — are retried up to maxAttempts
// before any body is handed to pumpNDJSON); once streaming begins, a
// mid-stream read failure surfaces as a terminal NDJSONLine instead of being
// retried, since replaying an already-partially-consumed stream would
// duplicate rows already sent downstream.
func (t *Transport) StreamNDJSON(ctx context.Context, host Host, endpoint string, params url.Values) (<-chan NDJSONLine, error) {
	fullURL := t.buildURL(host, endpoint, params)

	var lastErr error
	for attempt := 0; attempt < t.retry.maxAttempts; attempt++ {
		start := time.Now()

		req, err := t.newRequest(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := t.httpClient.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			lastErr = mperrors.Wrap(err, mperrors.TypeTransportError, "stream request failed").WithDetail("endpoint", endpoint)
			t.logger.Warn("stream attempt failed",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.Duration("elapsed", elapsed), zap.Error(err))
			t.metrics.RecordRetry(endpoint)
			if waitErr := t.waitBeforeRetry(ctx, attempt, 0); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, classified := t.handleResponse(resp, endpoint)
			resp.Body.Close()

			if classified == nil {
				return nil, mperrors.New(mperrors.TypeProtocolError, "stream request returned no body").WithDetail("endpoint", endpoint)
			}

			lastErr = classified
			var mpErr *mperrors.Error
			mperrors.As(classified, &mpErr)

			if !mperrors.IsRetryable(classified) {
				t.metrics.RecordRequest(endpoint, string(mpErr.Type), elapsed)
				return nil, classified
			}

			t.metrics.RecordRequest(endpoint, string(mpErr.Type), elapsed)
			t.metrics.RecordRetry(endpoint)
			t.logger.Warn("retryable stream response",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.String("type", string(mpErr.Type)))

			if waitErr := t.waitBeforeRetry(ctx, attempt, mpErr.RetryAfter); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		t.metrics.RecordRequest(endpoint, "success", elapsed)
		t.logger.Debug("stream started",
			zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1), zap.Duration("elapsed", elapsed))

		out := make(chan NDJSONLine, 32)
		go t.pumpNDJSON(ctx, resp.Body, endpoint, out)
		return out, nil
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", t.retry.maxAttempts, lastErr)
}

func (t *Transport) pumpNDJSON(ctx context.Context, body io.ReadCloser, endpoint string, out chan<- NDJSONLine) {
	defer close(out)
	defer body.Close()

	scanner := newLineScanner(body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- NDJSONLine{Err: mperrors.Wrap(ctx.Err(), mperrors.TypeTransportError, "stream cancelled")}
			return
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var value interface{}
		if err := goccyjson.Unmarshal(line, &value); err != nil {
			out <- NDJSONLine{Err: mperrors.New(mperrors.TypeProtocolError, "malformed NDJSON line").WithDetail("endpoint", endpoint)}
			continue
		}
		out <- NDJSONLine{Value: value}
	}
	if err := scanner.Err(); err != nil {
		out <- NDJSONLine{Err: mperrors.Wrap(err, mperrors.TypeTransportError, "stream read failed").WithDetail("endpoint", endpoint)}
	}
}

// QueryEngagePage fetches one page of the engage (profile) endpoint,
// returning the full Provider envelope (total, page_size, session_id, page,
// results) so ParallelFetcher can drive page discovery and session-id reuse
// (spec §4.6).
func (t *Transport) QueryEngagePage(ctx context.Context, page int, sessionID string, params url.Values) (interface{}, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("page", fmt.Sprintf("%d", page))
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}
	return t.Request(ctx, HostQuery, http.MethodPost, "/2.0/engage", params, nil)
}

func readErrorBody(r io.Reader) string {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(r, maxBody))
	return strings.TrimSpace(string(b))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
