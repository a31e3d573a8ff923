package record

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	r := New(P("zeta", Int(1)), P("alpha", Int(2)), P("mid", New(P("b", Int(1)), P("a", Int(2)))))

	got, err := MarshalCanonical(r)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(got))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates D83D DE00, which sort before U+FB01.
	r := New(P("ﬁ", Int(1)), P("\U0001F600", Int(2)))

	got, err := MarshalCanonical(r)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"ﬁ\":1}", string(got))
}

func TestMarshalCanonicalStrings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no html escaping", "<a&b>", `"<a&b>"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
		{"quote and backslash", `"\`, `"\"\\"`},
		{"control characters", "\x01\n", `"\u0001\n"`},
		{"nfc normalization", "e\u0301", "\"\u00e9\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(String(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalNumbers(t *testing.T) {
	got, err := MarshalCanonical(Array{Int(-3), Float(2.5), Float(100), Float(1e21)})
	require.NoError(t, err)
	assert.Equal(t, `[-3,2.5,100,1e+21]`, string(got))

	_, err = MarshalCanonical(Float(math.Inf(1)))
	assert.Error(t, err)
}

func TestMarshalCanonicalDateIsUTC(t *testing.T) {
	local := time.Date(2025, 1, 1, 10, 0, 0, 0, time.FixedZone("x", 2*3600))
	got, err := MarshalCanonical(Date(local))
	require.NoError(t, err)
	assert.Equal(t, `"2025-01-01T08:00:00Z"`, string(got))
}

func TestActionKeyDeterminism(t *testing.T) {
	k1, err := ActionKey("sync-1", "create-contact-on-lead", 0)
	require.NoError(t, err)
	k2 := MustActionKey("sync-1", "create-contact-on-lead", 0)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64, "SHA-256 hex is 64 characters")
}

func TestActionKeyChangesWithInput(t *testing.T) {
	base := MustActionKey("sync-1", "rule-a", 0)

	assert.NotEqual(t, base, MustActionKey("sync-2", "rule-a", 0))
	assert.NotEqual(t, base, MustActionKey("sync-1", "rule-b", 0))
	assert.NotEqual(t, base, MustActionKey("sync-1", "rule-a", 1))
}

func TestPayloadHashIgnoresKeyOrder(t *testing.T) {
	a := New(P("name", String("Jane")), P("phone", String("555")))
	b := New(P("phone", String("555")), P("name", String("Jane")))

	ha, err := PayloadHash(a)
	require.NoError(t, err)
	hb, err := PayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	hc, err := PayloadHash(New(P("name", String("John"))))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainActionKey, data), hashWithDomain(DomainPayload, data))
}
