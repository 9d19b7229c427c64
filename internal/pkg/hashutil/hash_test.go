package hashutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsCanonicalUUID(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, parsed.String(), id)
}

func TestCanonicalHashIsOrderInsensitive(t *testing.T) {
	a := map[string]interface{}{"name": "Acme", "size": 3}
	b := map[string]interface{}{"size": 3, "name": "Acme"}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestCanonicalHashDistinguishesValues(t *testing.T) {
	ha, err := CanonicalHash(map[string]interface{}{"k": 1})
	require.NoError(t, err)
	hb, err := CanonicalHash(map[string]interface{}{"k": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestFingerprintSlotsAreUnambiguous(t *testing.T) {
	// ("ab", "") must not collide with ("a", "b").
	assert.NotEqual(t, Fingerprint("ab", ""), Fingerprint("a", "b"))
	assert.Equal(t, Fingerprint("a1", "1.2.3.4"), Fingerprint("a1", "1.2.3.4"))
}
