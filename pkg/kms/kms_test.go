package kms

import (
	"crypto/aes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAesPadAlignsToBlockSize(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		padded := aesPad(make([]byte, n))
		assert.Equal(t, 0, len(padded)%blockSize, "n=%d", n)
		assert.GreaterOrEqual(t, len(padded), n)
	}
}

func TestAesPadUsesSpaceBytes(t *testing.T) {
	padded := aesPad([]byte("hi"))
	for i := 2; i < len(padded); i++ {
		assert.Equal(t, byte(' '), padded[i])
	}
}

func TestEncryptDecryptCBCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	plaintext := aesPad([]byte(`{"FOO":"bar"}`))
	ciphertext, err := encryptCBC(key, iv, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := decryptCBC(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestMarshalUnmarshalEnvironmentRoundTrip(t *testing.T) {
	env := map[string]string{"FOO": "bar", "BAZ": "qux"}
	data, err := marshalEnvironment(env)
	require.NoError(t, err)

	padded := aesPad(data)
	decoded, err := unmarshalEnvironment(padded)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}
