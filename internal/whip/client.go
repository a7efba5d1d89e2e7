package whip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	contentTypeSDP = "application/sdp"
	maxBodySize    = 1 << 20
)

// ErrAnswerTooLarge is returned when a 2xx answer exceeds the size the
// client is willing to read.
var ErrAnswerTooLarge = errors.New("whip: answer too large")

// Error is returned for any non-2xx WHIP response. Body holds the server's
// response text for diagnostics.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("whip: server returned %d: %s", e.Status, e.Body)
}

type client struct {
	http        *http.Client
	bearerToken string
	logger      zerolog.Logger
	tracer      trace.Tracer

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
}

type Option func(*client)

// WithBearerToken sends "Authorization: Bearer <token>" on every request.
func WithBearerToken(token string) Option {
	return func(c *client) { c.bearerToken = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *client) { c.logger = logger.With().Str("module", "whip").Logger() }
}

// NewClient creates a WHIP client whose requests are bounded by timeout.
// It never retries: a repeated POST could create a second resource.
func NewClient(timeout time.Duration, opts ...Option) Client {
	meter := otel.Meter("whip-client")
	reqCounter, _ := meter.Int64Counter("whip.requests_total", metric.WithDescription("Total number of requests to the WHIP endpoint"))
	errCounter, _ := meter.Int64Counter("whip.errors_total", metric.WithDescription("Total number of failed WHIP requests"))

	c := &client{
		http:           &http.Client{Timeout: timeout},
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer("whip-client"),
		requestCounter: reqCounter,
		errorCounter:   errCounter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *client) Publish(ctx context.Context, endpoint, offerSDP string) (*Answer, error) {
	ctx, span := c.tracer.Start(ctx, "whip.Publish", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", http.MethodPost)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return nil, fmt.Errorf("failed to build whip request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.fail(ctx, span, http.MethodPost, "transport_error", err)
		return nil, fmt.Errorf("whip request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		c.fail(ctx, span, http.MethodPost, "read_error", err)
		return nil, fmt.Errorf("failed to read whip response: %w", err)
	}
	tooLarge := len(body) > maxBodySize
	if tooLarge {
		body = body[:maxBodySize]
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		whipErr := &Error{Status: resp.StatusCode, Body: string(body)}
		c.fail(ctx, span, http.MethodPost, "status_error", whipErr)
		return nil, whipErr
	}
	if tooLarge {
		err := fmt.Errorf("%w: more than %d bytes", ErrAnswerTooLarge, maxBodySize)
		c.fail(ctx, span, http.MethodPost, "answer_too_large", err)
		return nil, err
	}

	answer := &Answer{
		SDP:      string(body),
		Location: resolveLocation(resp.Request.URL, resp.Header.Get("Location")),
	}

	c.logger.Info().
		Int("status", resp.StatusCode).
		Str("location", answer.Location).
		Int("media_sections", mediaSections(body)).
		Msg("WHIP answer received")

	return answer, nil
}

func (c *client) Delete(ctx context.Context, resourceURL string) error {
	ctx, span := c.tracer.Start(ctx, "whip.Delete", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("resource", resourceURL),
	))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", http.MethodDelete)))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build whip delete: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.fail(ctx, span, http.MethodDelete, "transport_error", err)
		return fmt.Errorf("whip delete failed: %w", err)
	}
	defer resp.Body.Close()

	// A resource the server already dropped is as good as deleted.
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	whipErr := &Error{Status: resp.StatusCode, Body: string(body)}
	c.fail(ctx, span, http.MethodDelete, "status_error", whipErr)
	return whipErr
}

func (c *client) authorize(req *http.Request) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

func (c *client) fail(ctx context.Context, span trace.Span, method, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method), attribute.String("reason", reason)))
	c.logger.Warn().Err(err).Str("method", method).Msg("WHIP request failed")
}

// resolveLocation makes a possibly relative Location header absolute.
func resolveLocation(base *url.URL, location string) string {
	if location == "" {
		return ""
	}
	ref, err := url.Parse(location)
	if err != nil || base == nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// mediaSections counts m= lines for logging; -1 if the body is not SDP.
func mediaSections(body []byte) int {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(string(bytes.TrimSpace(body)) + "\r\n"); err != nil {
		return -1
	}
	return len(desc.MediaDescriptions)
}
