// Package searchapi implements the DocumentSource port against the REST API
// of a hosted search service, with:
//   - Automatic retry with exponential backoff for transient failures
//   - Rate limiting to stay within the service's request quota
//   - Filter and sort expressions built from ordering-field values
package searchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/pkg/retry"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// defaultMaxSkip is the page-depth limit hosted search services commonly
// enforce; queries skipping past it are rejected by the backend.
const defaultMaxSkip = 100_000

// Compile-time check that Client implements outbound.DocumentSource.
var _ outbound.DocumentSource = (*Client)(nil)

// ClientConfig holds configuration for the search API client.
type ClientConfig struct {
	// Endpoint is the service URL, e.g. https://acme.search.example.net.
	Endpoint string

	// IndexName is the collection to query.
	IndexName string

	// APIKey authenticates every request.
	APIKey string

	// APIVersion selects the REST API version. Defaults to "2023-11-01".
	APIVersion string

	// MaxSkip is the deepest offset the service pages to. Defaults to
	// 100000.
	MaxSkip int64

	// Timeout is the maximum time to wait for a single HTTP request.
	Timeout time.Duration

	// Retry bounds re-attempts of transient failures (429 and 5xx).
	Retry retry.Policy

	// RequestsPerSecond throttles outgoing requests across all callers of
	// this client. Defaults to 15.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size. Defaults to 1.
	Burst int

	// Logger is the structured logger for the client.
	Logger *slog.Logger

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// ClientConfigDefaults returns a config with default values.
func ClientConfigDefaults() ClientConfig {
	return ClientConfig{
		APIVersion:        "2023-11-01",
		MaxSkip:           defaultMaxSkip,
		Timeout:           30 * time.Second,
		Retry:             retry.DefaultPolicy(),
		RequestsPerSecond: 15,
		Burst:             1,
		Logger:            slog.Default(),
	}
}

// Client talks to the search service's documents and index APIs.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a new search API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.ParseRequestURI(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}
	if config.IndexName == "" {
		return nil, errors.New("index name is required")
	}
	if config.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	defaults := ClientConfigDefaults()
	if config.APIVersion == "" {
		config.APIVersion = defaults.APIVersion
	}
	if config.MaxSkip <= 0 {
		config.MaxSkip = defaults.MaxSkip
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Retry.Attempts <= 0 {
		config.Retry = defaults.Retry
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		logger:     config.Logger.With("component", "searchapi-client"),
	}, nil
}

// Endpoint returns the service URL.
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// IndexName returns the collection name.
func (c *Client) IndexName() string {
	return c.config.IndexName
}

// MaxSkip returns the service's page-depth limit.
func (c *Client) MaxSkip() int64 {
	return c.config.MaxSkip
}

// DescribeField looks the field up in the index schema and maps its type to
// an ordering-field kind. Types without a supported total order fail with an
// error wrapping outbound.ErrFieldNotOrderable.
func (c *Client) DescribeField(ctx context.Context, field string) (outbound.FieldCapabilities, error) {
	endpoint := fmt.Sprintf("%s/indexes/%s?api-version=%s",
		c.config.Endpoint, url.PathEscape(c.config.IndexName), url.QueryEscape(c.config.APIVersion))

	var def indexDefinition
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &def); err != nil {
		return outbound.FieldCapabilities{}, fmt.Errorf("fetching index %q definition: %w", c.config.IndexName, err)
	}

	for _, f := range def.Fields {
		if f.Name != field {
			continue
		}
		kind, ok := fieldKindForType(f.Type)
		if !ok {
			return outbound.FieldCapabilities{}, fmt.Errorf("field %q has type %s: %w",
				field, f.Type, outbound.ErrFieldNotOrderable)
		}
		return outbound.FieldCapabilities{
			Kind:       kind,
			Sortable:   f.Sortable,
			Filterable: f.Filterable,
		}, nil
	}
	return outbound.FieldCapabilities{}, fmt.Errorf("field %q not found in index %q", field, c.config.IndexName)
}

// fieldKindForType maps index schema types to ordering-field kinds. Only
// totally-ordered, range-bisectable types are supported.
func fieldKindForType(t string) (entity.FieldKind, bool) {
	switch t {
	case "Edm.DateTimeOffset":
		return entity.FieldTimestamp, true
	case "Edm.Int32", "Edm.Int64":
		return entity.FieldInt64, true
	case "Edm.Double":
		return entity.FieldFloat64, true
	}
	return "", false
}

// Count returns the number of documents inside the range. It asks for the
// match count with an empty page, so no document bodies travel back.
func (c *Client) Count(ctx context.Context, field string, r *outbound.ValueRange) (int64, error) {
	top := int64(0)
	resp, err := c.search(ctx, searchRequest{
		Search: "*",
		Count:  true,
		Filter: filterExpression(field, r),
		Top:    &top,
	})
	if err != nil {
		return 0, err
	}
	if resp.Count == nil {
		return 0, fmt.Errorf("count missing from search response")
	}
	return *resp.Count, nil
}

// Query returns one page of documents ordered by the query field.
func (c *Client) Query(ctx context.Context, q outbound.DocumentQuery) ([]entity.Document, error) {
	if q.Top <= 0 {
		return nil, fmt.Errorf("top must be positive, got %d", q.Top)
	}
	if q.Skip > c.config.MaxSkip {
		return nil, fmt.Errorf("skip %d exceeds the service limit of %d", q.Skip, c.config.MaxSkip)
	}

	direction := "asc"
	if q.Descending {
		direction = "desc"
	}
	top := q.Top
	resp, err := c.search(ctx, searchRequest{
		Search:  "*",
		Filter:  filterExpression(q.Field, q.Range),
		OrderBy: fmt.Sprintf("%s %s", q.Field, direction),
		Skip:    q.Skip,
		Top:     &top,
	})
	if err != nil {
		return nil, err
	}

	docs := make([]entity.Document, 0, len(resp.Value))
	for _, raw := range resp.Value {
		docs = append(docs, entity.Document(raw))
	}
	return docs, nil
}

// filterExpression renders a value range as an OData filter. Bounds use the
// canonical text form of the field value, which the service parses natively
// for all supported kinds.
func filterExpression(field string, r *outbound.ValueRange) string {
	if r == nil {
		return ""
	}
	upperOp := "lt"
	if r.UpperInclusive {
		upperOp = "le"
	}
	return fmt.Sprintf("%s ge %s and %s %s %s",
		field, r.Lower.String(), field, upperOp, r.Upper.String())
}

// search posts one search request and decodes the response.
func (c *Client) search(ctx context.Context, req searchRequest) (*searchResponse, error) {
	endpoint := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		c.config.Endpoint, url.PathEscape(c.config.IndexName), url.QueryEscape(c.config.APIVersion))

	var resp searchResponse
	if err := c.doRequest(ctx, http.MethodPost, endpoint, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doRequest sends one request with rate limiting and bounded retries.
// Responses of 429 and 5xx are retried; other client errors are permanent.
// A retried request re-sends the identical body, so paging order is never
// disturbed by retries.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	onRetry := func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"maxAttempts", c.config.Retry.Attempts,
			"delay", delay,
			"error", err,
		)
	}

	return retry.Do(ctx, c.config.Retry, onRetry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return c.doSingleRequest(ctx, method, endpoint, payload, result)
	})
}

func (c *Client) doSingleRequest(ctx context.Context, method, endpoint string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", c.config.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (HTTP 429)")
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiErrorResponse
		if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return retry.Permanent(fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, apiErr.Error.Message))
		}
		return retry.Permanent(fmt.Errorf("client error (HTTP %d): %s", resp.StatusCode, string(raw)))
	}

	// Decode with UseNumber so int64 field values survive undamaged; they
	// are both compared against bounds and re-serialized verbatim.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return retry.Permanent(fmt.Errorf("parsing response: %w", err))
	}
	return nil
}
