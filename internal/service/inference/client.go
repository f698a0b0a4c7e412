package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
)

// Prediction statuses after mapping provider vocabulary
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 2
	defaultRetryInterval  = 500 * time.Millisecond
)

// Result is a normalized completion snapshot for one prediction.
type Result struct {
	Status    string
	Artifacts []Artifact // set when Status == StatusSucceeded
	Err       string     // provider's failure message, if any
}

type Config struct {
	// Provider API base address, e.g. https://api.provider.example
	Addr string

	// Bearer token for the provider API
	Token string

	// Bounded retry budget for transport-level failures.
	// Zero values fall back to defaults (2 retries, 500ms initial
	// backoff with jitter).
	MaxRetries    int
	RetryInterval time.Duration
}

// Client is a thin adapter to the external asynchronous prediction
// service. Submit returns a handle immediately; Poll maps the
// provider's state onto ours. Transport and provider errors come out
// wrapped in apperrors.ErrInferenceUnavailable once the retry budget
// is spent.
type Client struct {
	addr       string
	token      string
	maxRetries uint64
	interval   time.Duration

	client *http.Client
	logger logger.Logger
}

func NewClient(cfg Config, l logger.Logger) *Client {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	return &Client{
		addr:       cfg.Addr,
		token:      cfg.Token,
		maxRetries: uint64(retries),
		interval:   interval,
		client:     &http.Client{Timeout: defaultRequestTimeout},
		logger:     l,
	}
}

// Models published by the provider, one per pipeline stage
var kindModels = map[string]string{
	models.JobKindMockup:          "printmint/mockup-compose",
	models.JobKindProductImage:    "printmint/product-image",
	models.JobKindFigurineConcept: "printmint/figurine-concept",
	models.JobKindFigurineAngles:  "printmint/figurine-angles",
	models.JobKindFigurineConvert: "printmint/figurine-mesh",
}

type submitRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Submit starts a prediction and returns the provider's tracking id.
func (c *Client) Submit(ctx context.Context, kind string, input json.RawMessage) (string, error) {
	model, ok := kindModels[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnsupportedJobKind, kind)
	}

	body, err := json.Marshal(submitRequest{Model: model, Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, c.addr+"/v1/predictions", body)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

// Poll fetches the prediction state and normalizes provider output.
func (c *Client) Poll(ctx context.Context, handle string) (Result, error) {
	var result Result

	resp, err := c.doWithRetry(ctx, http.MethodGet, c.addr+"/v1/predictions/"+handle, nil)
	if err != nil {
		return result, err
	}

	switch resp.Status {
	case "starting", "queued", "processing":
		result.Status = StatusPending
	case "succeeded":
		artifacts, err := NormalizeOutput(resp.Output)
		if err != nil {
			return result, fmt.Errorf("%w: %w", apperrors.ErrInferenceUnavailable, err)
		}
		result.Status = StatusSucceeded
		result.Artifacts = artifacts
	case "failed", "canceled":
		result.Status = StatusFailed
		result.Err = resp.Error
		if result.Err == "" {
			result.Err = "prediction " + resp.Status
		}
	default:
		return result, fmt.Errorf("%w: unknown prediction status %q", apperrors.ErrInferenceUnavailable, resp.Status)
	}

	return result, nil
}

// doWithRetry runs one provider request under the bounded jittered
// retry policy. 4xx responses are permanent; transport errors and 5xx
// are retried until the budget runs out.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) (predictionResponse, error) {
	op := func() (predictionResponse, error) {
		return c.do(ctx, method, url, body)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.interval

	resp, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err != nil {
		return resp, fmt.Errorf("%w: %w", apperrors.ErrInferenceUnavailable, err)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (predictionResponse, error) {
	var prediction predictionResponse

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return prediction, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return prediction, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
			return prediction, fmt.Errorf("failed to decode response: %w", err)
		}
		return prediction, nil
	case resp.StatusCode >= 500:
		c.logger.Warn("Provider server error", "status_code", resp.StatusCode, "url", url)
		return prediction, fmt.Errorf("provider status %d", resp.StatusCode)
	default:
		c.logger.Warn("Provider rejected request", "status_code", resp.StatusCode, "url", url)
		return prediction, backoff.Permanent(fmt.Errorf("provider status %d", resp.StatusCode))
	}
}
