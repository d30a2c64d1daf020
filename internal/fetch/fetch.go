// Package fetch acquires raw items from upstream funding APIs: paginated
// HTTP GETs with bounded retries, content-hash capture of each page payload,
// and optional archival of the combined payload to object storage.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
)

// Retry tuning for one page request.
const (
	maxAttempts  = 3
	baseBackoff  = 100 * time.Millisecond
	maxPageLimit = 1000 // hard stop against endless pagination
)

// defaultPageSize is used when the source configuration does not set one.
const defaultPageSize = 100

// RawResponseStore is the persistence contract for captured payloads.
type RawResponseStore interface {
	Insert(ctx context.Context, rr *domain.RawResponse) error
	SetS3Path(ctx context.Context, id uuid.UUID, s3Path string) error
}

// Archiver uploads the payload to object storage. Optional.
type Archiver interface {
	ArchiveRawResponse(ctx context.Context, rr *domain.RawResponse) (string, error)
}

// Fetcher implements the pipeline's acquisition stage.
type Fetcher struct {
	client   *http.Client
	store    RawResponseStore
	archiver Archiver
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// New creates a Fetcher that records payloads through store and, when
// archiver is non-nil, moves them to object storage after insert.
func New(store RawResponseStore, archiver Archiver, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 60 * time.Second},
		store:    store,
		archiver: archiver,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch pulls all pages from the source endpoint, persists the combined
// payload, and returns the raw items for extraction.
func (f *Fetcher) Fetch(ctx context.Context, source domain.Source, cfg domain.SourceConfiguration) (*pipeline.FetchResult, error) {
	start := time.Now()

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		allItems []json.RawMessage
		pages    [][]byte
	)
	for page := 1; page <= maxPageLimit; page++ {
		body, err := f.fetchPage(ctx, source, cfg, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		pages = append(pages, body)

		items, err := extractItems(body)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		allItems = append(allItems, items...)

		// Single-record and unpaginated endpoints return everything at once.
		if source.Type != string(domain.CallTypeList) || len(items) < pageSize {
			break
		}
	}

	payload, err := json.Marshal(pages)
	if err != nil {
		return nil, fmt.Errorf("combine pages: %w", err)
	}
	sum := sha256.Sum256(payload)

	rr := &domain.RawResponse{
		SourceID:    source.ID,
		ContentHash: hex.EncodeToString(sum[:]),
		Payload:     payload,
		Endpoint:    source.Endpoint,
		CallType:    domain.CallType(source.Type),
		ItemCount:   len(allItems),
		FetchedAt:   time.Now().UTC(),
	}
	if err := f.store.Insert(ctx, rr); err != nil {
		return nil, fmt.Errorf("persist raw response: %w", err)
	}

	if f.archiver != nil {
		// Archival is best-effort: the inline payload stays in Postgres until
		// the S3 path is recorded.
		if path, aerr := f.archiver.ArchiveRawResponse(ctx, rr); aerr != nil {
			slog.Warn("raw response archive failed, payload kept inline",
				"source", source.Name, "content_hash", rr.ContentHash, "error", aerr)
		} else if serr := f.store.SetS3Path(ctx, rr.ID, path); serr != nil {
			slog.Warn("failed to record archive path", "raw_response_id", rr.ID, "error", serr)
		}
	}

	id := rr.ID
	return &pipeline.FetchResult{
		Items:           allItems,
		RawResponseID:   &id,
		PagesFetched:    len(pages),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// fetchPage GETs one page with the retry budget: exponential backoff with
// jitter, retrying on transport errors and 5xx/429 statuses.
func (f *Fetcher) fetchPage(ctx context.Context, source domain.Source, cfg domain.SourceConfiguration, page, pageSize int) ([]byte, error) {
	endpoint, err := pageURL(source.Endpoint, source.Type, page, pageSize)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := f.doRequest(ctx, endpoint, cfg.RequestHeaders)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		slog.Warn("upstream fetch attempt failed",
			"source", source.Name, "page", page, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (f *Fetcher) doRequest(ctx context.Context, endpoint string, headers map[string]string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("upstream status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
}

// pageURL appends pagination params for list endpoints; detail and single
// endpoints are fetched as-is.
func pageURL(endpoint, sourceType string, page, pageSize int) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if sourceType == string(domain.CallTypeList) {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(pageSize))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// extractItems pulls the record array out of an upstream response body.
// Accepts a bare array, or an object wrapping the array under a well-known
// key; a single object becomes a one-item slice.
func extractItems(body []byte) ([]json.RawMessage, error) {
	var asArray []json.RawMessage
	if err := json.Unmarshal(body, &asArray); err == nil {
		return asArray, nil
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(body, &asObject); err != nil {
		return nil, errors.New("response is neither a JSON array nor an object")
	}

	for _, key := range []string{"items", "data", "results", "opportunities", "records"} {
		raw, ok := asObject[key]
		if !ok {
			continue
		}
		var nested []json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			return nested, nil
		}
	}

	// No wrapper array: treat the whole object as one record.
	return []json.RawMessage{json.RawMessage(body)}, nil
}
