package query

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/record"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Select
		wantErr string
	}{
		{"minimal", Select{Table: "jobs", TenantID: "t1"}, ""},
		{"with filter", Select{Table: "jobs", TenantID: "t1", Filter: And{Predicates: []Predicate{Eq("status", record.String("open"))}}}, ""},
		{"pointer predicates", Select{Table: "jobs", TenantID: "t1", Filter: &And{Predicates: []Predicate{&Equals{Field: "a", Value: record.Int(1)}}}}, ""},
		{"bad table", Select{Table: "jobs; drop", TenantID: "t1"}, "table name"},
		{"empty table", Select{TenantID: "t1"}, "table name"},
		{"missing tenant", Select{Table: "jobs"}, "tenant id is required"},
		{"negative limit", Select{Table: "jobs", TenantID: "t1", Limit: -1}, "negative limit"},
		{"bad field", Select{Table: "jobs", TenantID: "t1", Filter: Eq("a.b", record.Int(1))}, "field name"},
		{"array value", Select{Table: "jobs", TenantID: "t1", Filter: Eq("tags", record.Array{})}, "cannot compare array"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidQuery)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

// openRecordsDB creates an in-memory records table holding rows as JSON
// documents, the layout CompileSQLite targets.
func openRecordsDB(t *testing.T, rows ...[3]string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE records (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		tenant_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       TEXT NOT NULL,
		UNIQUE(table_name, tenant_id, id)
	)`)
	require.NoError(t, err)

	for _, r := range rows {
		_, err := db.Exec("INSERT INTO records (table_name, tenant_id, id, data) VALUES (?, ?, ?, ?)",
			r[0], r[1], docID(t, r[2]), r[2])
		require.NoError(t, err)
	}
	return db
}

func docID(t *testing.T, data string) string {
	t.Helper()
	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	return doc.ID
}

// selectIDs runs a compiled query and returns the ids of the rows.
func selectIDs(t *testing.T, db *sql.DB, q Select) []string {
	t.Helper()
	stmt, params, err := CompileSQLite(q)
	require.NoError(t, err)

	rows, err := db.Query(stmt, params...)
	require.NoError(t, err)
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var data string
		require.NoError(t, rows.Scan(&data))
		ids = append(ids, docID(t, data))
	}
	require.NoError(t, rows.Err())
	return ids
}

func TestCompileSQLite(t *testing.T) {
	day := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := Select{
		Table:    "jobs",
		TenantID: "t1",
		Filter: And{Predicates: []Predicate{
			Eq("estimate_id", record.String("E1")),
			Eq("paid", record.Bool(true)),
			Eq("start", record.Date(day)),
			Eq("deleted_at", record.Null{}),
			Eq("id", record.Int(7)),
		}},
		Limit: 10,
	}
	_, params, err := CompileSQLite(q)
	require.NoError(t, err)
	assert.Equal(t, []any{
		"jobs", "t1",
		"$.estimate_id", "E1",
		"$.paid", int64(1),
		"$.start", "2026-01-02T03:04:05Z",
		"$.deleted_at",
		"7",
		10,
	}, params)

	db := openRecordsDB(t,
		[3]string{"jobs", "t1", `{"id":"7","estimate_id":"E1","paid":true,"start":"2026-01-02T03:04:05Z"}`},
		[3]string{"jobs", "t1", `{"id":"8","estimate_id":"E1","paid":true,"start":"2026-01-02T03:04:05Z"}`},
		[3]string{"jobs", "t1", `{"id":"9","estimate_id":"E1","paid":false}`},
		[3]string{"jobs", "t2", `{"id":"7","estimate_id":"E1","paid":true,"start":"2026-01-02T03:04:05Z"}`},
	)
	assert.Equal(t, []string{"7"}, selectIDs(t, db, q))
}

func TestCompileSQLiteOrdersByInsertion(t *testing.T) {
	db := openRecordsDB(t,
		[3]string{"contacts", "t1", `{"id":"c"}`},
		[3]string{"contacts", "t1", `{"id":"a"}`},
		[3]string{"contacts", "t2", `{"id":"b"}`},
		[3]string{"contacts", "t1", `{"id":"b"}`},
		[3]string{"leads", "t1", `{"id":"d"}`},
	)

	assert.Equal(t, []string{"c", "a", "b"}, selectIDs(t, db, Select{Table: "contacts", TenantID: "t1"}))
	assert.Equal(t, []string{"c", "a"}, selectIDs(t, db, Select{Table: "contacts", TenantID: "t1", Limit: 2}))
	assert.Equal(t, []string{}, selectIDs(t, db, Select{Table: "contacts", TenantID: "t3"}))
}

func TestCompileSQLiteRejectsInvalid(t *testing.T) {
	_, _, err := CompileSQLite(Select{Table: "contacts"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, _, err = CompileSQLite(Select{Table: "contacts", TenantID: "t1", Filter: Eq("id", record.Bool(true))})
	assert.ErrorContains(t, err, "id must be text or number")
}

func TestCompilePostgres(t *testing.T) {
	sql, params, err := CompilePostgres(Select{
		Table:    "leads",
		TenantID: "t1",
		Filter: And{Predicates: []Predicate{
			Eq("contact_id", record.String("C1")),
			Eq("archived", record.Null{}),
			Eq("score", record.Int(3)),
		}},
		Limit: 10,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT * FROM "leads" WHERE "tenant_id" = $1 AND "contact_id" = $2 AND "archived" IS NULL AND "score" = $3 ORDER BY "id" ASC LIMIT $4`,
		sql)
	assert.Equal(t, []any{"t1", "C1", int64(3), 10}, params)
}

func TestCompilePostgresRejectsInvalid(t *testing.T) {
	_, _, err := CompilePostgres(Select{Table: `leads"`, TenantID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
