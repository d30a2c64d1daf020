// Package llm wraps the Anthropic API for schema-bound extraction and
// analysis calls. The wrapper owns token accounting (concurrency-safe),
// adaptive batch sizing, and a circuit breaker around the transport so a
// misbehaving upstream fails fast instead of burning the retry budget of
// every caller.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// ErrInvalidResponse indicates the model reply was not schema-conformant.
// Callers treat this as a parse/validation failure, not a transport failure.
var ErrInvalidResponse = errors.New("response not schema-conformant")

// CallOptions tunes a single schema-bound call.
type CallOptions struct {
	MaxTokens   int
	Temperature float64
}

// CallResult is the outcome of one schema-bound call.
type CallResult struct {
	Data   json.RawMessage
	Tokens int64
}

// Metrics is a snapshot of cumulative usage.
type Metrics struct {
	TotalTokens int64 `json:"totalTokens"`
	TotalCalls  int64 `json:"totalCalls"`
}

// BatchPlan is the adaptive batch-size recommendation for analysis batches.
type BatchPlan struct {
	BatchSize            int    `json:"batchSize"`
	MaxTokens            int    `json:"maxTokens"`
	ModelCapacity        int    `json:"modelCapacity"`
	TokensPerOpportunity int    `json:"tokensPerOpportunity"`
	BaseTokens           int    `json:"baseTokens"`
	ModelName            string `json:"modelName"`
	Reason               string `json:"reason"`
}

// Caller is the contract the pipeline stages depend on. Satisfied by Client
// in production and by fakes in tests.
type Caller interface {
	CallWithSchema(ctx context.Context, prompt string, schema json.RawMessage, opts CallOptions) (*CallResult, error)
	PerformanceMetrics() Metrics
	OptimalBatchSize(avgCharLen int) BatchPlan
}

// Batch sizing constants. baseTokens covers the prompt scaffolding and the
// schema; tokens-per-opportunity is derived from the mean description length
// at roughly 4 characters per token, doubled for the structured output.
const (
	baseTokens    = 1200
	minBatchSize  = 1
	maxBatchSize  = 10
	outputFactor  = 2
	charsPerToken = 4
)

// Breaker settings: open after 5 consecutive transport failures, retry after 30s.
const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// Client wraps the Anthropic SDK with accounting and a circuit breaker.
type Client struct {
	client        anthropic.Client
	model         anthropic.Model
	modelCapacity int
	breaker       *gobreaker.CircuitBreaker

	totalTokens atomic.Int64
	totalCalls  atomic.Int64
}

// New creates a Client for the given model. apiKey may be empty if
// ANTHROPIC_API_KEY is exported; the SDK option layer reads it.
func New(apiKey, model string, modelCapacity int) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or llm.api_key", ErrAPIKeyRequired)
	}
	if modelCapacity <= 0 {
		modelCapacity = 200_000
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "anthropic",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		Timeout: breakerTimeout,
	})

	return &Client{
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:         anthropic.Model(model),
		modelCapacity: modelCapacity,
		breaker:       breaker,
	}, nil
}

// CallWithSchema sends one prompt and requires a JSON reply conforming to the
// given schema. The schema is embedded in the prompt; the reply is validated
// as JSON before being returned. Schema violations return ErrInvalidResponse.
func (c *Client) CallWithSchema(ctx context.Context, prompt string, schema json.RawMessage, opts CallOptions) (*CallResult, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	full := prompt + "\n\nRespond ONLY with JSON conforming to this schema, no prose:\n" + string(schema)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(full)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("llm circuit open: %w", err)
		}
		return nil, fmt.Errorf("llm call: %w", err)
	}
	message := resp.(*anthropic.Message)

	tokens := message.Usage.InputTokens + message.Usage.OutputTokens
	c.totalTokens.Add(tokens)
	c.totalCalls.Add(1)

	if len(message.Content) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}
	content := message.Content[0]
	if content.Type != "text" {
		return nil, fmt.Errorf("%w: non-text block (type=%s)", ErrInvalidResponse, content.Type)
	}

	data, err := extractJSON(content.Text)
	if err != nil {
		return nil, err
	}
	return &CallResult{Data: data, Tokens: tokens}, nil
}

// extractJSON pulls the JSON document out of a model reply, tolerating
// markdown code fences and leading prose.
func extractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	raw := json.RawMessage(s)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: reply is not valid JSON", ErrInvalidResponse)
	}
	return raw, nil
}

// PerformanceMetrics returns a snapshot of cumulative usage.
func (c *Client) PerformanceMetrics() Metrics {
	return Metrics{
		TotalTokens: c.totalTokens.Load(),
		TotalCalls:  c.totalCalls.Load(),
	}
}

// OptimalBatchSize computes how many opportunities fit in one analysis call
// given the mean description length and the model's declared capacity.
func (c *Client) OptimalBatchSize(avgCharLen int) BatchPlan {
	if avgCharLen <= 0 {
		avgCharLen = 1000
	}
	perOpp := (avgCharLen / charsPerToken) * outputFactor
	if perOpp < 200 {
		perOpp = 200
	}

	budget := c.modelCapacity / 4 // keep well under the context window
	size := (budget - baseTokens) / perOpp
	reason := "derived from mean description length"
	switch {
	case size < minBatchSize:
		size = minBatchSize
		reason = "descriptions too large, forced minimum batch"
	case size > maxBatchSize:
		size = maxBatchSize
		reason = "capped at maximum batch size"
	}

	return BatchPlan{
		BatchSize:            size,
		MaxTokens:            baseTokens + size*perOpp,
		ModelCapacity:        c.modelCapacity,
		TokensPerOpportunity: perOpp,
		BaseTokens:           baseTokens,
		ModelName:            string(c.model),
		Reason:               reason,
	}
}

// IsRetryable reports whether an error is a transient transport condition
// (timeout, rate limit, 5xx) rather than a schema or request problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidResponse) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
