package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a := mustDecode(t, `{"salary": {"gross_monthly": 2000}, "hours": {"per_week": 36}}`)
	b := mustDecode(t, `{"hours": {"per_week": 36}, "salary": {"gross_monthly": 2000}}`)

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestContentHash_DifferentPayloadsDiffer(t *testing.T) {
	a := mustDecode(t, `{"salary": {"gross_monthly": 2000}}`)
	b := mustDecode(t, `{"salary": {"gross_monthly": 2200}}`)

	assert.NotEqual(t, MustContentHash(a), MustContentHash(b))
}

func TestContentHash_DomainSeparated(t *testing.T) {
	// Payload and change hashes of equivalent content must not collide.
	doc := mustDecode(t, `{"field_path":"x","new_value":"1","old_value":"2"}`)
	payloadHash := MustContentHash(doc)
	changeHash := ChangeIdentity("x", "2", "1")
	assert.NotEqual(t, payloadHash, changeHash)
}

func TestChangeIdentity_Stable(t *testing.T) {
	a := ChangeIdentity("salary.gross_monthly", "2000", "2200")
	b := ChangeIdentity("salary.gross_monthly", "2000", "2200")
	c := ChangeIdentity("salary.gross_monthly", "2000", "2400")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
