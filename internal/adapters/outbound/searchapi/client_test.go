package searchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/pkg/retry"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// testClient builds a client against the given test server with retries and
// throttling effectively disabled.
func testClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Endpoint:          serverURL,
		IndexName:         "products",
		APIKey:            "test-api-key",
		Retry:             retry.Policy{Attempts: 1},
		RequestsPerSecond: 10000,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  ClientConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: ClientConfig{
				Endpoint:  "https://acme.search.example.net",
				IndexName: "products",
				APIKey:    "test-api-key",
			},
			wantErr: false,
		},
		{
			name: "missing endpoint",
			config: ClientConfig{
				IndexName: "products",
				APIKey:    "test-api-key",
			},
			wantErr: true,
		},
		{
			name: "invalid endpoint",
			config: ClientConfig{
				Endpoint:  "not a url",
				IndexName: "products",
				APIKey:    "test-api-key",
			},
			wantErr: true,
		},
		{
			name: "missing index name",
			config: ClientConfig{
				Endpoint: "https://acme.search.example.net",
				APIKey:   "test-api-key",
			},
			wantErr: true,
		},
		{
			name: "missing API key",
			config: ClientConfig{
				Endpoint:  "https://acme.search.example.net",
				IndexName: "products",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && client == nil {
				t.Error("NewClient() returned nil client")
			}
		})
	}
}

func TestClientAccessors(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Endpoint:  "https://acme.search.example.net",
		IndexName: "products",
		APIKey:    "test-api-key",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if got := client.Endpoint(); got != "https://acme.search.example.net" {
		t.Errorf("Endpoint() = %q, want the configured endpoint", got)
	}
	if got := client.IndexName(); got != "products" {
		t.Errorf("IndexName() = %q, want products", got)
	}
	if got := client.MaxSkip(); got != 100_000 {
		t.Errorf("MaxSkip() = %d, want the 100000 default", got)
	}
}

func TestDescribeField(t *testing.T) {
	schema := `{
		"name": "products",
		"fields": [
			{"name": "id", "type": "Edm.String", "sortable": true, "filterable": true},
			{"name": "createdAt", "type": "Edm.DateTimeOffset", "sortable": true, "filterable": true},
			{"name": "sequence", "type": "Edm.Int64", "sortable": true, "filterable": true},
			{"name": "stock", "type": "Edm.Int32", "sortable": true, "filterable": true},
			{"name": "price", "type": "Edm.Double", "sortable": true, "filterable": true},
			{"name": "updatedAt", "type": "Edm.DateTimeOffset", "sortable": false, "filterable": true}
		]
	}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("DescribeField used %s, want GET", r.Method)
		}
		if r.URL.Path != "/indexes/products" {
			t.Errorf("DescribeField hit %s, want /indexes/products", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2023-11-01" {
			t.Errorf("api-version = %q, want 2023-11-01", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "test-api-key" {
			t.Error("API key header not set correctly")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(schema))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	tests := []struct {
		name          string
		field         string
		wantKind      entity.FieldKind
		wantSortable  bool
		wantErr       bool
		wantOrderable bool
	}{
		{name: "timestamp field", field: "createdAt", wantKind: entity.FieldTimestamp, wantSortable: true, wantOrderable: true},
		{name: "int64 field", field: "sequence", wantKind: entity.FieldInt64, wantSortable: true, wantOrderable: true},
		{name: "int32 maps to int64", field: "stock", wantKind: entity.FieldInt64, wantSortable: true, wantOrderable: true},
		{name: "double field", field: "price", wantKind: entity.FieldFloat64, wantSortable: true, wantOrderable: true},
		{name: "string field not orderable", field: "id", wantErr: true},
		{name: "unsortable field reported as such", field: "updatedAt", wantKind: entity.FieldTimestamp, wantSortable: false, wantOrderable: true},
		{name: "unknown field", field: "nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := client.DescribeField(context.Background(), tt.field)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DescribeField() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if caps.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", caps.Kind, tt.wantKind)
			}
			if caps.Sortable != tt.wantSortable {
				t.Errorf("Sortable = %v, want %v", caps.Sortable, tt.wantSortable)
			}
		})
	}
}

func TestDescribeFieldUnsupportedType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name": "products", "fields": [
			{"name": "tags", "type": "Collection(Edm.String)", "sortable": false, "filterable": true}
		]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.DescribeField(context.Background(), "tags")
	if !errors.Is(err, outbound.ErrFieldNotOrderable) {
		t.Errorf("DescribeField() error = %v, want ErrFieldNotOrderable", err)
	}
}

func TestCount(t *testing.T) {
	jan := entity.TimestampValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	jun := entity.TimestampValue(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name       string
		boundRange *outbound.ValueRange
		wantFilter string
	}{
		{
			name:       "whole collection",
			boundRange: nil,
			wantFilter: "",
		},
		{
			name:       "half-open range",
			boundRange: &outbound.ValueRange{Lower: jan, Upper: jun},
			wantFilter: "createdAt ge 2024-01-01T00:00:00Z and createdAt lt 2024-06-01T00:00:00Z",
		},
		{
			name:       "closed range",
			boundRange: &outbound.ValueRange{Lower: jan, Upper: jun, UpperInclusive: true},
			wantFilter: "createdAt ge 2024-01-01T00:00:00Z and createdAt le 2024-06-01T00:00:00Z",
		},
		{
			name:       "integer range",
			boundRange: &outbound.ValueRange{Lower: entity.Int64Value(0), Upper: entity.Int64Value(5000)},
			wantFilter: "createdAt ge 0 and createdAt lt 5000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Count used %s, want POST", r.Method)
				}
				if r.URL.Path != "/indexes/products/docs/search" {
					t.Errorf("Count hit %s, want /indexes/products/docs/search", r.URL.Path)
				}
				var req searchRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatalf("failed to decode request: %v", err)
				}
				if !req.Count {
					t.Error("count not requested")
				}
				if req.Top == nil || *req.Top != 0 {
					t.Error("count query should request an empty page (top 0)")
				}
				if req.Filter != tt.wantFilter {
					t.Errorf("filter = %q, want %q", req.Filter, tt.wantFilter)
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"@odata.count": 1234, "value": []}`))
			}))
			defer server.Close()

			client := testClient(t, server.URL)

			count, err := client.Count(context.Background(), "createdAt", tt.boundRange)
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			if count != 1234 {
				t.Errorf("Count() = %d, want 1234", count)
			}
		})
	}
}

func TestCountMissingFromResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": []}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	if _, err := client.Count(context.Background(), "createdAt", nil); err == nil {
		t.Error("expected error when the response lacks a count")
	}
}

func TestQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.OrderBy != "sequence asc" {
			t.Errorf("orderby = %q, want \"sequence asc\"", req.OrderBy)
		}
		if req.Skip != 2000 {
			t.Errorf("skip = %d, want 2000", req.Skip)
		}
		if req.Top == nil || *req.Top != 2 {
			t.Error("top = nil or wrong, want 2")
		}
		if req.Filter != "sequence ge 0 and sequence lt 5000" {
			t.Errorf("filter = %q, want the range filter", req.Filter)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": [
			{"sequence": 2000, "name": "widget"},
			{"sequence": 2001, "name": "gadget"}
		]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	docs, err := client.Query(context.Background(), outbound.DocumentQuery{
		Field: "sequence",
		Range: &outbound.ValueRange{
			Lower: entity.Int64Value(0),
			Upper: entity.Int64Value(5000),
		},
		Skip: 2000,
		Top:  2,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("Query() returned %d documents, want 2", len(docs))
	}

	// Numbers must survive as json.Number so large int64 values are not
	// rounded through float64.
	seq, ok := docs[0]["sequence"].(json.Number)
	if !ok {
		t.Fatalf("sequence decoded as %T, want json.Number", docs[0]["sequence"])
	}
	if got, err := seq.Int64(); err != nil || got != 2000 {
		t.Errorf("sequence = %v (err %v), want 2000", got, err)
	}
}

func TestQueryDescending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.OrderBy != "createdAt desc" {
			t.Errorf("orderby = %q, want \"createdAt desc\"", req.OrderBy)
		}
		if req.Filter != "" {
			t.Errorf("filter = %q, want empty for a whole-collection query", req.Filter)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": [{"createdAt": "2024-06-01T00:00:00Z"}]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	docs, err := client.Query(context.Background(), outbound.DocumentQuery{
		Field:      "createdAt",
		Descending: true,
		Top:        1,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("Query() returned %d documents, want 1", len(docs))
	}
}

func TestQueryValidation(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": []}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	if _, err := client.Query(context.Background(), outbound.DocumentQuery{Field: "sequence", Top: 0}); err == nil {
		t.Error("expected error for top 0")
	}
	if _, err := client.Query(context.Background(), outbound.DocumentQuery{Field: "sequence", Skip: 100_001, Top: 10}); err == nil {
		t.Error("expected error for skip past the service limit")
	}
	if requests != 0 {
		t.Errorf("invalid queries reached the server %d times, want 0", requests)
	}
}

func TestRetryOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"@odata.count": 7, "value": []}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Endpoint:  server.URL,
		IndexName: "products",
		APIKey:    "test-api-key",
		Retry: retry.Policy{
			Attempts: 4,
			MinDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond,
			Factor:   2.0,
		},
		RequestsPerSecond: 10000,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	count, err := client.Count(context.Background(), "sequence", nil)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if count != 7 {
		t.Errorf("Count() = %d, want 7", count)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"@odata.count": 7, "value": []}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Endpoint:  server.URL,
		IndexName: "products",
		APIKey:    "test-api-key",
		Retry: retry.Policy{
			Attempts: 3,
			MinDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond,
			Factor:   2.0,
		},
		RequestsPerSecond: 10000,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.Count(context.Background(), "sequence", nil); err != nil {
		t.Fatalf("expected success after a 429 retry, got error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": "InvalidRequest", "message": "invalid filter expression"}}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		Endpoint:  server.URL,
		IndexName: "products",
		APIKey:    "test-api-key",
		Retry: retry.Policy{
			Attempts: 3,
			MinDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond,
			Factor:   2.0,
		},
		RequestsPerSecond: 10000,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, countErr := client.Count(context.Background(), "sequence", nil)
	if countErr == nil {
		t.Fatal("expected error for bad request")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", attempts)
	}
	if !strings.Contains(countErr.Error(), "invalid filter expression") {
		t.Errorf("error %q should carry the API error message", countErr)
	}
}
