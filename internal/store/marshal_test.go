package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/audit"
	"github.com/roach88/formsync/internal/record"
)

func TestMarshalRecordPreservesOrder(t *testing.T) {
	rec := record.New(
		record.P("z", record.Int(1)),
		record.P("a", record.String("x")),
	)
	data, err := marshalRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":"x"}`, data)

	back, err := unmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, back.Keys())
	assert.Equal(t, record.Int(1), back.Value("z"))
}

func TestMarshalRecordNil(t *testing.T) {
	data, err := marshalRecord(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", data)
}

func TestMarshalJSONEmptyForms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil strings", []string(nil), "[]"},
		{"nil refs", []audit.Ref(nil), "[]"},
		{"nil map", map[string]string(nil), "{}"},
		{"no html escaping", []string{"a<b>&c"}, `["a<b>&c"]`},
		{"refs", []audit.Ref{{Table: "jobs", ID: "J1"}}, `[{"table":"jobs","id":"J1"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimestampSortsLexically(t *testing.T) {
	early := timestamp(testEpoch)
	late := timestamp(testEpoch.Add(1500))
	assert.Less(t, early, late)
	assert.Equal(t, "2026-04-01T09:00:00.000000000Z", early)

	back, err := parseTimestamp(late)
	require.NoError(t, err)
	assert.True(t, back.Equal(testEpoch.Add(1500)))
}
