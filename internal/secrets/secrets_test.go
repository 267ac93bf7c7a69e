package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store, err := NewPostgresStore(nil, logger.New("secrets-test", "test"), "passphrase")
	require.NoError(t, err)

	plaintext := []byte(`{"type":"s3-access-key","access-key-id":"AKIA...","secret-access-key":"s3cr3t"}`)
	ciphertext, nonce, err := store.encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := store.decrypt(ciphertext, nonce)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, err := NewPostgresStore(nil, logger.New("secrets-test", "test"), "key-a")
	require.NoError(t, err)
	b, err := NewPostgresStore(nil, logger.New("secrets-test", "test"), "key-b")
	require.NoError(t, err)

	ciphertext, nonce, err := a.encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = b.decrypt(ciphertext, nonce)
	require.Error(t, err)
}

func TestEmptyEncryptionKeyRejected(t *testing.T) {
	_, err := NewPostgresStore(nil, logger.New("secrets-test", "test"), "")
	require.Error(t, err)
}
