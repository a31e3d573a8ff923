package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/formsync/internal/record"
)

// CompilePostgres compiles q against a real Postgres table that carries a
// tenant_id column. Identifiers are quoted with pgx.Identifier and values
// bound as $n placeholders.
func CompilePostgres(q Select) (string, []any, error) {
	if err := Validate(q); err != nil {
		return "", nil, err
	}

	where := []string{pgx.Identifier{"tenant_id"}.Sanitize() + " = $1"}
	params := []any{q.TenantID}

	for _, eq := range flatten(q.Filter) {
		column := pgx.Identifier{eq.Field}.Sanitize()
		if record.IsNull(eq.Value) {
			where = append(where, column+" IS NULL")
			continue
		}
		params = append(params, record.ToAny(eq.Value))
		where = append(where, column+" = $"+strconv.Itoa(len(params)))
	}

	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s ASC",
		pgx.Identifier{q.Table}.Sanitize(),
		strings.Join(where, " AND "),
		pgx.Identifier{"id"}.Sanitize())
	if q.Limit > 0 {
		params = append(params, q.Limit)
		sql += " LIMIT $" + strconv.Itoa(len(params))
	}
	return sql, params, nil
}
