// Package prober executes outbound HTTP calls for the monitor engine and
// the alert dispatcher.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/xylex-group/xbp-monitoring/pkg/expect"
	"github.com/xylex-group/xbp-monitoring/pkg/version"
)

const (
	// DefaultTimeout applies when a probe declares no timeout of its own.
	DefaultTimeout = 10 * time.Second

	// PreviewLimit bounds the response body preview stored in results.
	PreviewLimit = 500

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 4 << 20
)

// ErrorKind classifies outbound call failures.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "Timeout"
	KindTransport ErrorKind = "Transport"
)

// Error is an outbound HTTP failure with its classification.
type Error struct {
	Kind   ErrorKind
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", strings.ToLower(string(e.Kind)), e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout-classified probe error.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTimeout
}

// Client is an outbound HTTP client with a fixed user-agent.
type Client struct {
	http      *http.Client
	userAgent string
}

var (
	probeOnce   sync.Once
	probeClient *Client
	alertOnce   sync.Once
	alertClient *Client
)

// Probe returns the process-wide client used for monitor requests.
func Probe() *Client {
	probeOnce.Do(func() {
		probeClient = NewClient("XBP Probe/" + version.Version)
	})
	return probeClient
}

// Alert returns the process-wide client used for alert webhooks.
func Alert() *Client {
	alertOnce.Do(func() {
		alertClient = NewClient("XBP Alert/" + version.Version)
	})
	return alertClient
}

// NewClient builds a client. Per-request deadlines are enforced through the
// request context so a probe's own timeout can exceed the default.
func NewClient(userAgent string) *Client {
	return &Client{
		http:      &http.Client{},
		userAgent: userAgent,
	}
}

// Execute performs one outbound HTTP call. It opens a client span, injects
// the current trace context into the outgoing headers, and records the
// observed status code on the span (0 when no response was received).
// A non-2xx status is not an error here; callers judge the response through
// expectations.
func (c *Client) Execute(ctx context.Context, method, rawURL string, headers map[string]string, body string, timeout time.Duration) (expect.ResponseView, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tracer := otel.Tracer("xbp/prober")
	ctx, span := tracer.Start(ctx, fmt.Sprintf("HTTP %s", method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", rawURL),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return expect.ResponseView{}, c.fail(span, method, rawURL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return expect.ResponseView{}, c.fail(span, method, rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return expect.ResponseView{}, c.fail(span, method, rawURL, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return expect.ResponseView{StatusCode: resp.StatusCode, Body: string(raw)}, nil
}

func (c *Client) fail(span trace.Span, method, rawURL string, err error) error {
	kind := KindTransport
	if isTimeout(err) {
		kind = KindTimeout
	}
	perr := &Error{Kind: kind, Method: method, URL: rawURL, Err: err}
	span.SetAttributes(attribute.Int("http.status_code", 0))
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Error())
	return perr
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	return false
}

// Preview truncates a response body to the bounded preview length.
func Preview(body string) string {
	runes := []rune(body)
	if len(runes) <= PreviewLimit {
		return body
	}
	return string(runes[:PreviewLimit])
}
