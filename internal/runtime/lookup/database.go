package lookup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// DatabaseService runs a parameterized query per lookup. Named parameters of
// the form :field are bound from the record at lookup time; the reserved
// name :key binds the extracted lookup key. The first result row is returned
// as a record mapped by column name; no rows is a miss, not an error.
type DatabaseService struct {
	name   string
	db     *sql.DB
	query  string
	order  []string
	params map[string]config.QueryParameter
}

// NewDatabaseService rewrites the query's named parameters into positional
// placeholders and prepares the binding order.
func NewDatabaseService(name string, db *sql.DB, query string, params []config.QueryParameter) *DatabaseService {
	s := &DatabaseService{
		name:   name,
		db:     db,
		params: make(map[string]config.QueryParameter, len(params)),
	}
	for _, p := range params {
		s.params[p.Field] = p
	}
	s.query, s.order = rewriteNamedParams(query)
	return s
}

// rewriteNamedParams converts :field placeholders into $1..$n, recording the
// field binding order. A field referenced twice reuses its placeholder.
func rewriteNamedParams(query string) (string, []string) {
	var (
		b        strings.Builder
		order    []string
		position = map[string]int{}
	)
	for i := 0; i < len(query); i++ {
		c := query[i]
		// Skip cast syntax (::type) and bare colons not starting an identifier.
		if c != ':' || i+1 >= len(query) || !isIdentStart(query[i+1]) {
			b.WriteByte(c)
			continue
		}
		if i > 0 && query[i-1] == ':' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && isIdentPart(query[j]) {
			j++
		}
		field := query[i+1 : j]
		pos, seen := position[field]
		if !seen {
			order = append(order, field)
			pos = len(order)
			position[field] = pos
		}
		fmt.Fprintf(&b, "$%d", pos)
		i = j - 1
	}
	return b.String(), order
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// Name returns the service name.
func (s *DatabaseService) Name() string { return s.name }

// Transform executes the query with parameters extracted from the record.
func (s *DatabaseService) Transform(ctx context.Context, key any, record pipeline.Record) (any, error) {
	if key == nil {
		return nil, nil
	}
	args := make([]any, len(s.order))
	for i, field := range s.order {
		if field == "key" {
			args[i] = key
			continue
		}
		args[i] = record[field]
	}

	rows, err := s.db.QueryContext(ctx, s.query, args...)
	if err != nil {
		// Connection and I/O failures degrade to a miss upstream.
		return nil, &TransportError{Service: s.name, Detail: err.Error()}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &TransportError{Service: s.name, Detail: err.Error()}
		}
		return nil, nil
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("lookup: query %s columns: %w", s.name, err)
	}
	values := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return nil, fmt.Errorf("lookup: query %s scan: %w", s.name, err)
	}

	result := make(pipeline.Record, len(columns))
	for i, column := range columns {
		result[column] = normalizeDBValue(values[i])
	}
	return result, nil
}

// normalizeDBValue maps driver-level values onto the record value model.
func normalizeDBValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}
