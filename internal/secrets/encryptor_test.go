package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/env360/env360/internal/domain"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		keyMaterial string
		expectError bool
	}{
		{name: "valid key", keyMaterial: "some-key-material"},
		{name: "short key is stretched", keyMaterial: "k"},
		{name: "empty key", keyMaterial: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := New(tt.keyMaterial)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrInvalid))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, enc)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := New("test-key")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "token", plaintext: "t"},
		{name: "kubeconfig blob", plaintext: "apiVersion: v1\nkind: Config\nclusters: []\n"},
		{name: "unicode", plaintext: "pässwörd-日本語"},
		{name: "empty stays empty", plaintext: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			require.NoError(t, err)
			if tt.plaintext == "" {
				assert.Empty(t, ciphertext)
			} else {
				assert.NotEqual(t, tt.plaintext, ciphertext)
			}

			plaintext, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	enc, err := New("test-key")
	require.NoError(t, err)

	a, err := enc.Encrypt("secret")
	require.NoError(t, err)
	b, err := enc.Encrypt("secret")
	require.NoError(t, err)
	// Random nonces mean identical plaintexts produce distinct ciphertexts.
	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, err := New("key-one")
	require.NoError(t, err)
	enc2, err := New("key-two")
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt("cluster-token")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDecrypt))
}

func TestDecryptMalformed(t *testing.T) {
	enc, err := New("test-key")
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{name: "not base64", ciphertext: "%%%not-base64%%%"},
		{name: "too short", ciphertext: "YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.ciphertext)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrDecrypt))
		})
	}
}
