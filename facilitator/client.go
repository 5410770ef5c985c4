// Package facilitator wraps the third-party settlement HTTP API. Its job
// is classification, not trust: facilitators in this domain return both
// false negatives (500 after the transaction landed) and false positives
// (success that later fails on-chain), so every response is reduced to a
// classified result that the orchestrator verifies independently.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"

	settle "github.com/pardonsim/settle"
	"github.com/pardonsim/settle/logger"
	"github.com/pardonsim/settle/metrics"
)

// AuthProvider produces signed authentication headers for settle requests.
// Credential handling (key loading, normalization, signing) is an injected
// capability, not this package's concern.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// SolanaMainnetCAIP2 is the CAIP-2 identifier for Solana mainnet-beta.
const SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"

// x402Version is the protocol version stamped on settle requests.
const x402Version = 2

// Config configures the facilitator client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string
	// Network is the CAIP-2 network identifier. Defaults to Solana mainnet.
	Network string
	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
	// Auth provides signed request headers. Optional.
	Auth AuthProvider
	// Timeout for each request when no HTTPClient is supplied.
	Timeout time.Duration
	// MaxRetries bounds retries after the first attempt. Defaults to 2,
	// giving 3 total attempts.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay, doubled per retry.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	Logger  logger.Logger
	Metrics metrics.Recorder
}

// Client submits settle requests and classifies the responses.
type Client struct {
	url        string
	network    string
	httpClient *http.Client
	auth       AuthProvider
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	schema     *gojsonschema.Schema
	log        logger.Logger
	metrics    metrics.Recorder
}

// settleResponseSchema is the shape a 2xx body must have before its
// success field is believed at all.
const settleResponseSchema = `{
	"type": "object",
	"properties": {
		"success":     {"type": "boolean"},
		"transaction": {"type": "string"},
		"errorReason": {"type": "string"},
		"payer":       {"type": "string"},
		"network":     {"type": "string"}
	},
	"required": ["success"]
}`

// NewClient creates a facilitator client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("facilitator URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	network := cfg.Network
	if network == "" {
		network = SolanaMainnetCAIP2
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay == 0 {
		maxDelay = 4 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(settleResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("compile settle response schema: %w", err)
	}

	return &Client{
		url:        cfg.URL,
		network:    network,
		httpClient: httpClient,
		auth:       cfg.Auth,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		schema:     schema,
		log:        log,
		metrics:    rec,
	}, nil
}

// settleResponse is the facilitator's settle body.
type settleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Network     string `json:"network,omitempty"`
}

// Settle submits the intent's signed transaction for settlement. Transient
// failures (5xx, transport) are retried with capped exponential backoff;
// the returned result reduces the full attempt trail. An error is only
// returned when no attempt could be issued at all.
func (c *Client) Settle(ctx context.Context, intent settle.PaymentIntent) (*settle.FacilitatorResult, error) {
	body, err := json.Marshal(c.buildRequest(intent))
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}

	result := &settle.FacilitatorResult{}
	var lastSignature string

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				result.Exhausted = true
				result.Transaction = lastSignature
				return result, nil
			}
		}

		att := c.attempt(ctx, attempt+1, body)
		result.Attempts = append(result.Attempts, att)
		c.metrics.IncCounter("facilitator_attempt_total", map[string]string{
			"status": string(att.Outcome),
		})
		if att.Signature != "" {
			lastSignature = att.Signature
		}

		switch att.Outcome {
		case settle.AttemptOK:
			if !c.validShape([]byte(att.Body)) {
				// A 2xx body that doesn't look like a settle response is
				// ambiguous, not a success claim. Hand it to the reconciler.
				result.ErrorReason = "facilitator returned an unrecognizable settle response"
				result.Transaction = lastSignature
				return result, nil
			}
			var resp settleResponse
			if err := json.Unmarshal([]byte(att.Body), &resp); err != nil {
				result.ErrorReason = "facilitator returned an undecodable body"
				result.Transaction = lastSignature
				return result, nil
			}
			result.Success = resp.Success
			result.ErrorReason = resp.ErrorReason
			result.Transaction = resp.Transaction
			if result.Transaction == "" {
				result.Transaction = lastSignature
			}
			return result, nil

		case settle.AttemptClientError:
			result.ClientError = true
			result.ErrorReason = fmt.Sprintf("facilitator rejected request (%d): %s", att.StatusCode, att.Body)
			result.Transaction = lastSignature
			return result, nil

		default:
			// 5xx and transport errors retry.
			c.log.Warn("facilitator attempt failed", map[string]any{
				"attempt": att.Number,
				"status":  att.StatusCode,
				"outcome": string(att.Outcome),
			})
		}
	}

	result.Exhausted = true
	result.Transaction = lastSignature
	if len(result.Attempts) > 0 {
		last := result.Attempts[len(result.Attempts)-1]
		result.ErrorReason = fmt.Sprintf("facilitator unavailable after %d attempts (last status %d)",
			len(result.Attempts), last.StatusCode)
	}
	return result, nil
}

// buildRequest assembles the x402 settle request body.
func (c *Client) buildRequest(intent settle.PaymentIntent) map[string]interface{} {
	extra := map[string]interface{}{
		"paymentId": intent.PaymentID,
		"token":     intent.Token.Symbol,
	}
	for k, v := range intent.Metadata {
		extra[k] = v
	}

	return map[string]interface{}{
		"x402Version": x402Version,
		"paymentPayload": map[string]interface{}{
			"transaction": intent.SignedTransaction,
		},
		"paymentRequirements": map[string]interface{}{
			"scheme":      "exact",
			"network":     c.network,
			"payTo":       intent.Recipient,
			"amount":      intent.MinorUnits(),
			"asset":       intent.Token.Mint,
			"resource":    intent.Resource,
			"description": intent.Description,
			"extra":       extra,
		},
	}
}

// attempt issues one settle call and classifies it. Never returns an
// error: transport failures classify as AttemptNetworkError.
func (c *Client) attempt(ctx context.Context, number int, body []byte) settle.SettlementAttempt {
	att := settle.SettlementAttempt{Number: number}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/settle", bytes.NewReader(body))
	if err != nil {
		att.Outcome = settle.AttemptNetworkError
		att.Body = err.Error()
		return att
	}
	req.Header.Set("Content-Type", "application/json")

	if c.auth != nil {
		headers, err := c.auth.GetAuthHeaders(ctx)
		if err != nil {
			att.Outcome = settle.AttemptNetworkError
			att.Body = fmt.Sprintf("auth headers: %s", err)
			return att
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		att.Outcome = settle.AttemptNetworkError
		att.Body = err.Error()
		return att
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		att.Outcome = settle.AttemptNetworkError
		att.Body = err.Error()
		return att
	}

	att.StatusCode = resp.StatusCode
	att.Body = string(respBody)
	att.Signature = extractSignature(respBody)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		att.Outcome = settle.AttemptOK
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		att.Outcome = settle.AttemptClientError
	default:
		att.Outcome = settle.AttemptServerError
	}
	return att
}

// validShape checks the 2xx body against the settle response schema.
func (c *Client) validShape(body []byte) bool {
	res, err := c.schema.Validate(gojsonschema.NewBytesLoader(body))
	return err == nil && res.Valid()
}

// backoff sleeps the capped exponential delay for the given retry,
// honoring cancellation.
func (c *Client) backoff(ctx context.Context, retry int) error {
	delay := c.baseDelay * time.Duration(1<<uint(retry-1))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// extractSignature pulls a transaction signature out of a response body.
// Facilitator error bodies sometimes embed the signature of a transaction
// that did land; the reconciler confirms it directly.
func extractSignature(body []byte) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"transaction", "signature", "txHash", "txhash", "tx_hash"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

var _ settle.FacilitatorClient = (*Client)(nil)
