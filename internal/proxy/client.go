// Package proxy implements the outbound half of the gateway: forwarding a
// request to a downstream target with a bounded timeout, hop-by-hop header
// hygiene, and error mapping into the gateway taxonomy.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/crudgate/crudgate/internal/domain"
	"github.com/crudgate/crudgate/internal/routing"
)

// hopByHopHeaders must not cross the proxy boundary in either direction
// (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request describes one downstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// RequestID is propagated downstream as X-Request-ID.
	RequestID string
	// Retry, when set, enables bounded backoff retry. Only idempotent
	// methods are ever retried regardless of policy.
	Retry *routing.RetryPolicy
}

// Response is the downstream's answer, relayed by the dispatcher.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client issues downstream calls.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	sleep  func(time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the underlying transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// WithSleep overrides the backoff sleeper. For tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a client whose downstream calls are bounded by timeout.
func NewClient(timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do forwards the request downstream. Timeouts surface as UpstreamTimeout and
// connection failures as UpstreamUnavailable; any HTTP response, whatever its
// status, is returned as-is for the dispatcher to relay or translate.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	attempts := 1
	backoff := time.Duration(0)
	if req.Retry != nil && isIdempotent(req.Method) {
		attempts = req.Retry.MaxAttempts
		backoff = req.Retry.Backoff
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying downstream call",
				slog.String("url", req.URL), slog.Int("attempt", attempt+1))
			c.sleep(backoff)
			backoff *= 2
		}

		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Only transport-level failures are retryable.
		var ge *domain.GatewayError
		if !errors.As(err, &ge) ||
			(ge.Kind != domain.KindUpstreamTimeout && ge.Kind != domain.KindUpstreamUnavailable) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}

	copyProxyHeaders(out.Header, req.Header)
	if req.RequestID != "" {
		out.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, mapTransportError(err, req.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrUpstreamUnavailable(req.URL).WithCause(err)
	}

	header := make(http.Header, len(resp.Header))
	copyProxyHeaders(header, resp.Header)

	return &Response{Status: resp.StatusCode, Header: header, Body: data}, nil
}

// copyProxyHeaders copies src into dst, dropping hop-by-hop headers and any
// header named by the Connection header.
func copyProxyHeaders(dst, src http.Header) {
	perMessage := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			perMessage[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
		}
	}

	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		if _, drop := perMessage[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func mapTransportError(err error, target string) *domain.GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout(target).WithCause(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ErrUpstreamTimeout(target).WithCause(err)
	}
	return domain.ErrUpstreamUnavailable(target).WithCause(err)
}
