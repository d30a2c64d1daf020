// Package extract implements the LLM-backed extraction stage: raw upstream
// items in, schema-conformant opportunity records out. Items are packed into
// character-bounded chunks, each chunk is one schema-bound LLM call with a
// bounded retry budget, and a ratio-based circuit breaker aborts the whole
// stage when too many chunks fail or come back with anomalous sizes.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow-data/grantflow/platform/internal/config"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/llm"
)

// ErrCircuitOpen is returned when the failed-chunk or anomalous-chunk ratio
// exceeds its configured maximum and extraction aborts.
var ErrCircuitOpen = errors.New("extraction circuit breaker tripped")

// Metrics aggregates the extraction stage outcome.
type Metrics struct {
	TotalTokens     int64 `json:"totalTokens"`
	TotalAPICalls   int64 `json:"totalApiCalls"`
	ExecutionTimeMS int64 `json:"executionTime"`
	ChunksTotal     int   `json:"chunksTotal"`
	ChunksFailed    int   `json:"chunksFailed"`
	ChunksAnomalous int   `json:"chunksAnomalous"`
	ItemsIn         int   `json:"itemsIn"`
	OpportunitiesOut int  `json:"opportunitiesOut"`
}

// Result is the extraction stage output.
type Result struct {
	Opportunities []domain.Opportunity
	Metrics       Metrics
}

// Engine chunks raw items and turns them into opportunities via the LLM.
type Engine struct {
	llm llm.Caller
	cfg config.Extraction
}

// NewEngine creates an extraction engine with the given tuning.
func NewEngine(caller llm.Caller, cfg config.Extraction) *Engine {
	return &Engine{llm: caller, cfg: cfg}
}

// chunkOutcome is the per-chunk result sum: either opportunities, a
// retryable failure that exhausted its budget, or a terminal failure.
type chunkOutcome struct {
	opportunities []domain.Opportunity
	tokens        int64
	calls         int64
	failed        bool
	anomalous     bool
}

// anomalousFactor flags a chunk whose extracted count diverges wildly from
// its item count (e.g. the model hallucinating records or dropping most).
const anomalousFactor = 3

// Extract runs the extraction stage over raw items for one source.
// Terminal failure modes: circuit-breaker trip (ErrCircuitOpen) and context
// cancellation. Individual chunk failures within the ratio budget only
// reduce output.
func (e *Engine) Extract(ctx context.Context, items []json.RawMessage, source domain.Source, rawResponseID *uuid.UUID, instructions string) (*Result, error) {
	start := time.Now()

	chunks := packChunks(items, e.cfg.ChunkSize)
	outcomes := make([]chunkOutcome, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	var mu sync.Mutex
	failedSoFar := 0

	for i, chunk := range chunks {
		g.Go(func() error {
			// Fail fast once the breaker condition is already unreachable-proof:
			// if failures so far guarantee a trip, stop spending calls.
			mu.Lock()
			hopeless := float64(failedSoFar) > e.cfg.MaxFailedRatio*float64(len(chunks))
			mu.Unlock()
			if hopeless {
				outcomes[i] = chunkOutcome{failed: true}
				return nil
			}

			out := e.extractChunk(gctx, chunk, source, instructions)
			if out.failed {
				mu.Lock()
				failedSoFar++
				mu.Unlock()
			}
			outcomes[i] = out
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extraction cancelled: %w", err)
	}

	result := &Result{Metrics: Metrics{ChunksTotal: len(chunks), ItemsIn: len(items)}}
	for _, out := range outcomes {
		result.Metrics.TotalTokens += out.tokens
		result.Metrics.TotalAPICalls += out.calls
		if out.failed {
			result.Metrics.ChunksFailed++
			continue
		}
		if out.anomalous {
			result.Metrics.ChunksAnomalous++
		}
		for _, opp := range out.opportunities {
			opp.SourceID = source.ID
			opp.SourceName = source.Name
			opp.RawResponseID = rawResponseID
			result.Opportunities = append(result.Opportunities, opp)
		}
	}
	result.Metrics.OpportunitiesOut = len(result.Opportunities)
	result.Metrics.ExecutionTimeMS = time.Since(start).Milliseconds()

	if n := len(chunks); n > 0 {
		failedRatio := float64(result.Metrics.ChunksFailed) / float64(n)
		anomalousRatio := float64(result.Metrics.ChunksAnomalous) / float64(n)
		if failedRatio > e.cfg.MaxFailedRatio {
			return nil, fmt.Errorf("%w: %d/%d chunks failed", ErrCircuitOpen, result.Metrics.ChunksFailed, n)
		}
		if anomalousRatio > e.cfg.MaxAnomalousRatio {
			return nil, fmt.Errorf("%w: %d/%d chunks anomalous", ErrCircuitOpen, result.Metrics.ChunksAnomalous, n)
		}
	}

	return result, nil
}

// extractChunk runs one chunk through the LLM with the retry budget.
// Each retry lowers the temperature slightly to steer toward stricter output.
func (e *Engine) extractChunk(ctx context.Context, chunk chunk, source domain.Source, instructions string) chunkOutcome {
	out := chunkOutcome{}
	prompt := buildPrompt(chunk, source, instructions)
	temperature := e.cfg.Temperature

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			temperature -= 0.05
			if temperature < 0 {
				temperature = 0
			}
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				out.failed = true
				return out
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		resp, err := e.llm.CallWithSchema(callCtx, prompt, opportunitySchema, llm.CallOptions{
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: temperature,
		})
		cancel()

		out.calls++
		if resp != nil {
			out.tokens += resp.Tokens
		}
		if err != nil {
			if ctx.Err() != nil {
				out.failed = true
				return out
			}
			slog.Warn("extraction chunk failed",
				"source", source.Name, "attempt", attempt, "items", len(chunk.items), "error", err)
			continue
		}

		var parsed struct {
			Opportunities []domain.Opportunity `json:"opportunities"`
		}
		if err := json.Unmarshal(resp.Data, &parsed); err != nil {
			slog.Warn("extraction chunk parse failed", "source", source.Name, "attempt", attempt, "error", err)
			continue
		}

		out.opportunities = parsed.Opportunities
		out.anomalous = isAnomalous(len(chunk.items), len(parsed.Opportunities))
		return out
	}

	out.failed = true
	return out
}

// isAnomalous reports a count divergence beyond the anomalous factor in
// either direction. Zero extracted from a non-empty chunk counts too.
func isAnomalous(itemsIn, oppsOut int) bool {
	if itemsIn == 0 {
		return oppsOut > 0
	}
	if oppsOut == 0 {
		return true
	}
	return oppsOut > itemsIn*anomalousFactor || itemsIn > oppsOut*anomalousFactor
}

// chunk is a set of raw items whose serialized size fits the chunk budget.
type chunk struct {
	items []json.RawMessage
	size  int
}

// packChunks greedily packs items into character-bounded chunks. An item
// larger than the budget gets a chunk of its own.
func packChunks(items []json.RawMessage, chunkSize int) []chunk {
	if chunkSize <= 0 {
		chunkSize = 8000
	}
	var chunks []chunk
	cur := chunk{}
	for _, item := range items {
		if cur.size > 0 && cur.size+len(item) > chunkSize {
			chunks = append(chunks, cur)
			cur = chunk{}
		}
		cur.items = append(cur.items, item)
		cur.size += len(item)
	}
	if len(cur.items) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// buildPrompt renders the extraction prompt for one chunk.
func buildPrompt(c chunk, source domain.Source, instructions string) string {
	var b strings.Builder
	b.WriteString("Extract every funding opportunity from the raw API items below into the opportunities array.\n")
	b.WriteString("Omit fields the data does not contain; do not invent values. Amounts are plain numbers in dollars.\n")
	if instructions != "" {
		b.WriteString("Source-specific instructions: ")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nSource: %s\nRaw items (%d):\n", source.Name, len(c.items))
	for _, item := range c.items {
		b.Write(item)
		b.WriteString("\n")
	}
	return b.String()
}

// opportunitySchema constrains extraction output.
var opportunitySchema = json.RawMessage(`{
  "type": "object",
  "required": ["opportunities"],
  "properties": {
    "opportunities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "api_opportunity_id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "total_funding_available": {"type": ["number", "null"]},
          "minimum_award": {"type": ["number", "null"]},
          "maximum_award": {"type": ["number", "null"]},
          "open_date": {"type": ["string", "null"]},
          "close_date": {"type": ["string", "null"]},
          "eligible_applicants": {"type": "array", "items": {"type": "string"}},
          "eligible_project_types": {"type": "array", "items": {"type": "string"}},
          "eligible_activities": {"type": "array", "items": {"type": "string"}},
          "funding_type": {"type": ["string", "null"]},
          "api_updated_at": {"type": ["string", "null"]}
        }
      }
    }
  }
}`)
