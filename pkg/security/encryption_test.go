package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionService_EncryptDecrypt(t *testing.T) {
	service := NewEncryptionService("test-key-123")

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"simple text", "hello world"},
		{"report json", `{"title":"Add retries","summary":"..."}`},
		{"unicode", "Hello 世界 🌍"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := service.Encrypt(tt.plaintext)
			require.NoError(t, err)

			if tt.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}
			assert.NotEqual(t, tt.plaintext, ciphertext)

			decrypted, err := service.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncryptionService_NonceIsRandom(t *testing.T) {
	service := NewEncryptionService("k")

	a, err := service.Encrypt("same")
	require.NoError(t, err)
	b, err := service.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptionService_WrongKey(t *testing.T) {
	ciphertext, err := NewEncryptionService("right").Encrypt("payload")
	require.NoError(t, err)

	_, err = NewEncryptionService("wrong").Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestEncryptionService_InvalidInput(t *testing.T) {
	service := NewEncryptionService("k")

	_, err := service.Decrypt("not base64!")
	assert.Error(t, err)

	_, err = service.Decrypt("c2hvcnQ=")
	assert.EqualError(t, err, "ciphertext too short")
}
