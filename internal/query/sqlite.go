package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// CompileSQLite compiles q against the SQLite record store, where every
// row lives in the records table as a JSON document keyed by
// (table_name, tenant_id, id).
//
// The SELECT returns the data column. Rows are ordered by insertion
// sequence with id as tiebreaker.
func CompileSQLite(q Select) (string, []any, error) {
	if err := Validate(q); err != nil {
		return "", nil, err
	}

	where := []string{"table_name = ?", "tenant_id = ?"}
	params := []any{q.Table, q.TenantID}

	for _, eq := range flatten(q.Filter) {
		sql, args, err := sqliteEquals(eq)
		if err != nil {
			return "", nil, err
		}
		where = append(where, sql)
		params = append(params, args...)
	}

	sql := "SELECT data FROM records WHERE " + strings.Join(where, " AND ") +
		" ORDER BY seq ASC, id COLLATE BINARY ASC"
	if q.Limit > 0 {
		sql += " LIMIT ?"
		params = append(params, q.Limit)
	}
	return sql, params, nil
}

func sqliteEquals(eq Equals) (string, []any, error) {
	column := "json_extract(data, ?)"
	params := []any{"$." + eq.Field}
	if eq.Field == "id" {
		column = "id"
		params = nil
	}

	if record.IsNull(eq.Value) {
		return column + " IS NULL", params, nil
	}

	param, err := sqliteParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", eq.Field, err)
	}
	if eq.Field == "id" {
		// id column is TEXT; numeric ids compare by their text form.
		s, ok := record.StringOf(eq.Value)
		if !ok {
			return "", nil, fmt.Errorf("field %q: id must be text or number", eq.Field)
		}
		param = s
	}
	return column + " = ?", append(params, param), nil
}

// sqliteParam converts v to the representation json_extract yields for it.
// JSON booleans come back as 1/0 and dates are stored as RFC 3339 text.
func sqliteParam(v record.Value) (any, error) {
	switch val := v.(type) {
	case record.String:
		return string(val), nil
	case record.Int:
		return int64(val), nil
	case record.Float:
		return float64(val), nil
	case record.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case record.Date:
		return val.Time().Format(time.RFC3339Nano), nil
	}
	return nil, fmt.Errorf("unsupported value kind %s", record.Kind(v))
}
