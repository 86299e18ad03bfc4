package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cobaltedge/indexport/internal/domain/entity"
	"github.com/cobaltedge/indexport/internal/ports/outbound"
)

// defaultMaxSkip bounds OFFSET depth. Postgres has no hard limit, but OFFSET
// scans every row it passes over, so unpartitioned deep paging degrades the
// same way it does on hosted search services.
const defaultMaxSkip = 100_000

// Compile-time check that Source implements outbound.DocumentSource.
var _ outbound.DocumentSource = (*Source)(nil)

// SourceConfig holds configuration for the PostgreSQL document source.
type SourceConfig struct {
	// Table is the table holding the collection.
	Table string

	// DocumentColumn optionally names a JSON or JSONB column that holds the
	// document body. When empty, each whole row is exported as one JSON
	// object.
	DocumentColumn string

	// IndexName is the logical collection name recorded in plans and file
	// names. Defaults to Table.
	IndexName string

	// MaxSkip is the deepest OFFSET a single query may use. Defaults to
	// 100000.
	MaxSkip int64

	// Logger is the structured logger for the source.
	Logger *slog.Logger
}

// Source reads a document collection out of one PostgreSQL table.
type Source struct {
	pool     *pgxpool.Pool
	config   SourceConfig
	endpoint string
	logger   *slog.Logger
}

// NewSource creates a document source over the given pool.
func NewSource(pool *pgxpool.Pool, config SourceConfig) (*Source, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if config.Table == "" {
		return nil, errors.New("table is required")
	}
	if config.IndexName == "" {
		config.IndexName = config.Table
	}
	if config.MaxSkip <= 0 {
		config.MaxSkip = defaultMaxSkip
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Source{
		pool:     pool,
		config:   config,
		endpoint: endpointFromPool(pool),
		logger:   config.Logger.With("component", "postgres-source"),
	}, nil
}

// endpointFromPool renders the pool's target as a URL without credentials,
// safe to record in plans and logs.
func endpointFromPool(pool *pgxpool.Pool) string {
	cc := pool.Config().ConnConfig
	return fmt.Sprintf("postgres://%s:%d/%s", cc.Host, cc.Port, cc.Database)
}

// Endpoint returns the database address without credentials.
func (s *Source) Endpoint() string {
	return s.endpoint
}

// IndexName returns the logical collection name.
func (s *Source) IndexName() string {
	return s.config.IndexName
}

// MaxSkip returns the configured OFFSET depth bound.
func (s *Source) MaxSkip() int64 {
	return s.config.MaxSkip
}

const describeFieldSQL = `
	SELECT data_type
	FROM information_schema.columns
	WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
`

// DescribeField introspects the column type via information_schema and maps
// it to an ordering-field kind. Any orderable column is both sortable and
// filterable in SQL.
func (s *Source) DescribeField(ctx context.Context, field string) (outbound.FieldCapabilities, error) {
	var dataType string
	err := s.pool.QueryRow(ctx, describeFieldSQL, s.config.Table, field).Scan(&dataType)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbound.FieldCapabilities{}, fmt.Errorf("column %q not found in table %q", field, s.config.Table)
	}
	if err != nil {
		return outbound.FieldCapabilities{}, fmt.Errorf("describing column %q: %w", field, err)
	}

	kind, ok := fieldKindForDataType(dataType)
	if !ok {
		return outbound.FieldCapabilities{}, fmt.Errorf("column %q has type %s: %w",
			field, dataType, outbound.ErrFieldNotOrderable)
	}
	return outbound.FieldCapabilities{Kind: kind, Sortable: true, Filterable: true}, nil
}

// fieldKindForDataType maps information_schema data types to ordering-field
// kinds.
func fieldKindForDataType(dataType string) (entity.FieldKind, bool) {
	switch dataType {
	case "timestamp with time zone", "timestamp without time zone", "date":
		return entity.FieldTimestamp, true
	case "bigint", "integer", "smallint":
		return entity.FieldInt64, true
	case "double precision", "real", "numeric":
		return entity.FieldFloat64, true
	}
	return "", false
}

// Count returns the number of rows whose field value falls inside the range.
func (s *Source) Count(ctx context.Context, field string, r *outbound.ValueRange) (int64, error) {
	query, args := buildCountSQL(s.config.Table, field, r)
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting rows of %q: %w", s.config.Table, err)
	}
	return count, nil
}

// Query returns one page of rows ordered by the query field, each rendered
// as a JSON document.
func (s *Source) Query(ctx context.Context, q outbound.DocumentQuery) ([]entity.Document, error) {
	if q.Top <= 0 {
		return nil, fmt.Errorf("top must be positive, got %d", q.Top)
	}
	if q.Skip > s.config.MaxSkip {
		return nil, fmt.Errorf("skip %d exceeds the configured limit of %d", q.Skip, s.config.MaxSkip)
	}

	query, args := buildQuerySQL(s.config.Table, s.config.DocumentColumn, q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", s.config.Table, err)
	}
	defer rows.Close()

	docs := make([]entity.Document, 0, q.Top)
	for rows.Next() {
		var doc entity.Document
		if s.config.DocumentColumn != "" {
			var rawDoc, rawField []byte
			if err := rows.Scan(&rawDoc, &rawField); err != nil {
				return nil, fmt.Errorf("scanning document row: %w", err)
			}
			doc, err = decodeDocument(rawDoc)
			if err != nil {
				return nil, err
			}
			// The ordering field must be readable from every document;
			// inject it when the document body does not carry it itself.
			if _, ok := doc[q.Field]; !ok {
				value, err := decodeJSONValue(rawField)
				if err != nil {
					return nil, fmt.Errorf("decoding ordering value: %w", err)
				}
				doc[q.Field] = value
			}
		} else {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return nil, fmt.Errorf("scanning document row: %w", err)
			}
			doc, err = decodeDocument(raw)
			if err != nil {
				return nil, err
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows of %q: %w", s.config.Table, err)
	}
	return docs, nil
}

// buildCountSQL renders the COUNT query for one range.
func buildCountSQL(table, field string, r *outbound.ValueRange) (string, []any) {
	where, args := whereClause(field, r)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", pgx.Identifier{table}.Sanitize(), where), args
}

// buildQuerySQL renders one page query. Rows are serialized server-side:
// row_to_json for whole rows, or the document column plus the ordering value
// as JSON when a document column is configured.
func buildQuerySQL(table, docColumn string, q outbound.DocumentQuery) (string, []any) {
	col := pgx.Identifier{q.Field}.Sanitize()
	where, args := whereClause(q.Field, q.Range)

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	args = append(args, q.Top)
	limit := len(args)
	args = append(args, q.Skip)
	offset := len(args)

	if docColumn != "" {
		query := fmt.Sprintf(
			"SELECT %s::text, to_jsonb(%s)::text FROM %s%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
			pgx.Identifier{docColumn}.Sanitize(), col, pgx.Identifier{table}.Sanitize(),
			where, col, direction, limit, offset,
		)
		return query, args
	}

	query := fmt.Sprintf(
		"SELECT row_to_json(t)::text FROM (SELECT * FROM %s%s ORDER BY %s %s LIMIT $%d OFFSET $%d) t",
		pgx.Identifier{table}.Sanitize(), where, col, direction, limit, offset,
	)
	return query, args
}

// whereClause renders the range filter, if any, with 1-based placeholders.
func whereClause(field string, r *outbound.ValueRange) (string, []any) {
	if r == nil {
		return "", nil
	}
	col := pgx.Identifier{field}.Sanitize()
	upperOp := "<"
	if r.UpperInclusive {
		upperOp = "<="
	}
	args := []any{fieldValueArg(r.Lower), fieldValueArg(r.Upper)}
	return fmt.Sprintf(" WHERE %s >= $1 AND %s %s $2", col, col, upperOp), args
}

// fieldValueArg converts a bound to its driver-native representation.
func fieldValueArg(v entity.FieldValue) any {
	switch v.Kind() {
	case entity.FieldTimestamp:
		return v.Time()
	case entity.FieldInt64:
		return v.Int64()
	case entity.FieldFloat64:
		return v.Float64()
	}
	return nil
}

// decodeDocument parses one JSON row with numbers preserved, so int64 values
// survive the trip into the export byte for byte.
func decodeDocument(raw []byte) (entity.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc entity.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// decodeJSONValue parses a single JSON value with numbers preserved.
func decodeJSONValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}
