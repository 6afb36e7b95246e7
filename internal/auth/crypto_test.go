package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const valid32ByteKey = "0123456789abcdefghijklmnopqrstuv"

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"simple text", "hello world"},
		{"oauth token shape", "1234567890:ABCDefGHIjklMNOpqrsTUVwxyz"},
		{"special characters", "test@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"unicode", "测试中文🎉🔥"},
		{"empty string", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptToken(tc.input, valid32ByteKey)
			require.NoError(t, err)
			assert.NotEqual(t, tc.input, encrypted)

			decrypted, err := DecryptToken(encrypted, valid32ByteKey)
			require.NoError(t, err)
			assert.Equal(t, tc.input, decrypted)
		})
	}
}

func TestEncryptWithDifferentKeys_ProducesDifferentCiphertext(t *testing.T) {
	plaintext := "sensitive_token_123"
	key1 := "0123456789abcdefghijklmnopqrstuv"
	key2 := "fedcba0987654321zyxwvutsrqponmlk"

	encrypted1, err := EncryptToken(plaintext, key1)
	require.NoError(t, err)
	encrypted2, err := EncryptToken(plaintext, key2)
	require.NoError(t, err)

	assert.NotEqual(t, encrypted1, encrypted2)
}

func TestDecryptWithWrongKey_Fails(t *testing.T) {
	correctKey := "0123456789abcdefghijklmnopqrstuv"
	wrongKey := "fedcba0987654321zyxwvutsrqponmlk"

	encrypted, err := EncryptToken("secret_data", correctKey)
	require.NoError(t, err)

	_, err = DecryptToken(encrypted, wrongKey)
	assert.Error(t, err)
}

func TestDecryptInvalidBase64_Fails(t *testing.T) {
	_, err := DecryptToken("not-valid-base64!!!", valid32ByteKey)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptMalformedCiphertext_Fails(t *testing.T) {
	_, err := DecryptToken("dGVzdA==", valid32ByteKey) // valid base64, not a sealed blob
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncrypt_RejectsNon32ByteKey(t *testing.T) {
	_, err := EncryptToken("test", "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = EncryptToken("test", "too-short")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptLongString_RoundTrips(t *testing.T) {
	long := strings.Repeat("A", 10000)
	encrypted, err := EncryptToken(long, valid32ByteKey)
	require.NoError(t, err)

	decrypted, err := DecryptToken(encrypted, valid32ByteKey)
	require.NoError(t, err)
	assert.Equal(t, long, decrypted)
}

func TestGenerateKey_ProducesDistinctDecodable32ByteKeys(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)

	encrypted, err := EncryptToken("probe", k1)
	require.NoError(t, err)
	_, err = DecryptToken(encrypted, k1)
	require.NoError(t, err)
}
