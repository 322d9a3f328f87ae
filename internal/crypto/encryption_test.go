package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestNewCipher_Validation(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorContains(t, err, "required")
	_, err = NewCipher("zz")
	assert.ErrorContains(t, err, "must be hex")
	_, err = NewCipher(strings.Repeat("ab", 16))
	assert.ErrorContains(t, err, "got 16 bytes")
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.EncryptString("user-1", "sk-live-123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live-123")

	again, err := c.EncryptString("user-1", "sk-live-123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "every encryption uses a fresh nonce")

	plain, err := c.DecryptString("user-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)

	empty, err := c.EncryptString("user-1", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCipher_KeysArePerUser(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.EncryptString("user-1", "secret")
	require.NoError(t, err)

	_, err = c.DecryptString("user-2", sealed)
	var decErr *DecryptionError
	require.True(t, errors.As(err, &decErr))
}

func TestCipher_DecryptErrors(t *testing.T) {
	c := newTestCipher(t)

	for name, input := range map[string]string{
		"not base64": "%%%",
		"too short":  "AAAA",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecryptString("user-1", input)
			var decErr *DecryptionError
			assert.ErrorAs(t, err, &decErr)
		})
	}
}

func TestDecryptionError_Message(t *testing.T) {
	err := &DecryptionError{Name: "API_KEY", Err: errors.New("bad tag")}
	assert.Equal(t, "failed to decrypt secret API_KEY: bad tag", err.Error())
	assert.Equal(t, "bad tag", errors.Unwrap(err).Error())
}
