package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 4 << 20

var (
	scorerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "scorer",
		Name:      "request_duration_seconds",
		Help:      "Duration of scoring capability requests, including retries.",
	}, []string{"operation"})

	scorerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "scorer",
		Name:      "failures_total",
		Help:      "Number of scoring capability calls that failed after retries.",
	}, []string{"operation", "kind"})

	scorerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "scorer",
		Name:      "retries_total",
		Help:      "Number of retried scoring capability attempts.",
	}, []string{"operation"})
)

// Config carries everything needed to talk to the scoring capability.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	Sleep      SleepFunc
	Logger     zerolog.Logger
}

// Client is the network boundary to the external scoring capability.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	policy  RetryPolicy
	sleep   SleepFunc
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("scorer base url is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid scorer base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid scorer base url %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		policy:  cfg.Retry.normalized(),
		sleep:   sleep,
		tracer:  otel.Tracer("github.com/noah-isme/gema-grader/pkg/scorer"),
		logger:  logger.With().Str("component", "scorer_client").Logger(),
	}, nil
}

// Grade scores a single answer.
func (c *Client) Grade(ctx context.Context, req GradeRequest) (GradeResult, error) {
	hasRubric := len(req.RubricDims) > 0
	hasReference := strings.TrimSpace(req.ReferenceAnswer) != ""
	if hasRubric == hasReference {
		return GradeResult{}, fmt.Errorf("%w: exactly one of rubric_dims or reference_answer is required", ErrInvalidRequest)
	}

	return observe(ctx, c, "grade", func(ctx context.Context) (GradeResult, error) {
		var result GradeResult
		if err := c.do(ctx, "grade", http.MethodPost, "/grade", req, &result); err != nil {
			return GradeResult{}, err
		}
		return result, nil
	})
}

// BatchGrade scores many answers against one rubric. Results are positional.
func (c *Client) BatchGrade(ctx context.Context, req BatchGradeRequest) ([]GradeResult, error) {
	if len(req.Answers) == 0 {
		return nil, fmt.Errorf("%w: answers are required", ErrInvalidRequest)
	}
	if len(req.RubricDims) == 0 {
		return nil, fmt.Errorf("%w: rubric_dims are required", ErrInvalidRequest)
	}
	if len(req.CorrelationIDs) > 0 && len(req.CorrelationIDs) != len(req.Answers) {
		return nil, fmt.Errorf("%w: correlation_ids must align with answers", ErrInvalidRequest)
	}

	return observe(ctx, c, "grade_batch", func(ctx context.Context) ([]GradeResult, error) {
		var response batchGradeResponse
		if err := c.do(ctx, "grade_batch", http.MethodPost, "/grade/batch", req, &response); err != nil {
			return nil, err
		}
		return response.Results, nil
	})
}

// CheckHealth probes GET /health once. Any failure to obtain a healthy answer is
// reported as Healthy=false rather than an error.
func (c *Client) CheckHealth(ctx context.Context) HealthStatus {
	ctx, span := c.tracer.Start(ctx, "scorer.health")
	defer span.End()

	var payload struct {
		Healthy *bool  `json:"healthy"`
		Status  string `json:"status"`
		Model   string `json:"model"`
		Device  string `json:"device"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &payload); err != nil {
		span.RecordError(err)
		return HealthStatus{Healthy: false, Status: "unreachable", Error: err.Error()}
	}

	healthy := strings.EqualFold(payload.Status, "healthy")
	if payload.Healthy != nil {
		healthy = *payload.Healthy
	}
	span.SetAttributes(attribute.Bool("scorer.healthy", healthy))

	return HealthStatus{
		Healthy: healthy,
		Status:  payload.Status,
		Model:   payload.Model,
		Device:  payload.Device,
	}
}

// ValidateAnswer asks the capability for an advisory answer quality check.
func (c *Client) ValidateAnswer(ctx context.Context, text string) (AnswerValidation, error) {
	return observe(ctx, c, "validate", func(ctx context.Context) (AnswerValidation, error) {
		var result AnswerValidation
		body := map[string]string{"text": text}
		if err := c.do(ctx, "validate", http.MethodPost, "/validate", body, &result); err != nil {
			return AnswerValidation{}, err
		}
		return result, nil
	})
}

// ListModels returns the encoders known to the capability.
func (c *Client) ListModels(ctx context.Context) (ModelCatalog, error) {
	return observe(ctx, c, "models", func(ctx context.Context) (ModelCatalog, error) {
		var catalog ModelCatalog
		if err := c.do(ctx, "models", http.MethodGet, "/models", nil, &catalog); err != nil {
			return ModelCatalog{}, err
		}
		return catalog, nil
	})
}

func observe[T any](parent context.Context, c *Client, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(parent, "scorer."+operation, trace.WithAttributes(
		attribute.String("scorer.operation", operation),
		attribute.Int("scorer.max_attempts", c.policy.MaxAttempts),
	))
	defer span.End()

	start := time.Now()
	retrier := Retrier{
		Policy: c.policy,
		Sleep:  c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			scorerRetries.WithLabelValues(operation).Inc()
			c.logger.Warn().Err(err).
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying scorer request")
		},
	}

	result, err := WithRetry(ctx, retrier, op)
	scorerDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "retryable"
		if IsClientError(err) {
			kind = "client"
		}
		scorerFailures.WithLabelValues(operation, kind).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	endpoint := c.baseURL.JoinPath(path)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", ErrInvalidRequest, operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrInvalidRequest, operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scorer %s: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("scorer %s: read response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("scorer %s: decode response: %w", operation, err)
	}

	return nil
}
