package tokencrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgeCipher_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewAgeCipher(key)
	require.NoError(t, err)

	ct, err := c.Encrypt("act.secret-token")
	require.NoError(t, err)
	assert.NotContains(t, ct, "secret-token")

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "act.secret-token", pt)
}

func TestAgeCipher_EmptyPassesThrough(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewAgeCipher(key)
	require.NoError(t, err)

	ct, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)
	pt, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestAgeCipher_WrongKeyFails(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	c1, err := NewAgeCipher(k1)
	require.NoError(t, err)
	c2, err := NewAgeCipher(k2)
	require.NoError(t, err)

	ct, err := c1.Encrypt("tok")
	require.NoError(t, err)
	_, err = c2.Decrypt(ct)
	assert.Error(t, err)

	_, err = c1.Decrypt("not base64!")
	assert.Error(t, err)
}

func TestNewAgeCipher_Invalid(t *testing.T) {
	_, err := NewAgeCipher("")
	assert.Error(t, err)
	_, err = NewAgeCipher("AGE-SECRET-KEY-NOPE")
	assert.Error(t, err)
}
