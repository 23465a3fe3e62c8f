package privacy

import (
	"testing"

	"github.com/TEENet-io/zenz-bridge/common"
	"github.com/TEENet-io/zenz-bridge/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	box, err := SecretBoxFromHex("0x" + common.RandHexStr(32))
	require.NoError(t, err)

	sealed, err := box.Encrypt("mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "mkVXZ")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "mkVXZnqaaKt4puQNr4ovPHYg48mjguFCnT", plain)
}

func TestWrongKeyIsUnauthorized(t *testing.T) {
	a := NewSecretBox(common.RandBytes32())
	b := NewSecretBox(common.RandBytes32())

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrUnauthorizedDecryption)
	assert.True(t, resilience.IsTerminal(err))
}

func TestMalformed(t *testing.T) {
	box := NewSecretBox(common.RandBytes32())

	_, err := box.Decrypt("zz")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
	_, err = box.Decrypt("abcd")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = SecretBoxFromHex("1234")
	assert.Equal(t, ErrBadKey, err)
}
