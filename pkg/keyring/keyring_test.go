package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	fs := newFileStore(path, "test-master-password")

	require.NoError(t, fs.Set(SecretEncryptionKey, "orders", "super-secret-value"))

	got, err := fs.Get(SecretEncryptionKey, "orders")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", got)
}

func TestFileStoreGetMissingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	fs := newFileStore(path, "test-master-password")

	_, err := fs.Get(SecretEncryptionKey, "nope")
	assert.Error(t, err)
}

func TestFileStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	fs := newFileStore(path, "test-master-password")

	require.NoError(t, fs.Set(SecretConnectionSecret, "k", "v"))
	require.NoError(t, fs.Delete(SecretConnectionSecret, "k"))

	_, err := fs.Get(SecretConnectionSecret, "k")
	assert.Error(t, err)
}

func TestFileStoreWrongMasterPasswordFailsDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	fs := newFileStore(path, "correct-password")
	require.NoError(t, fs.Set(SecretEncryptionKey, "k", "v"))

	other := newFileStore(path, "wrong-password")
	_, err := other.Get(SecretEncryptionKey, "k")
	assert.Error(t, err)
}

func TestManagerEncryptionKeyAndConnectionSecretRoundTripThroughFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	m := &Manager{file: newFileStore(path, "test-master-password"), useFile: true}

	require.NoError(t, m.SetEncryptionKey("bucket-a", "enc-key-value"))
	require.NoError(t, m.SetConnectionSecret("bucket-a", "conn-secret-value"))

	key, err := m.EncryptionKey("bucket-a")
	require.NoError(t, err)
	assert.Equal(t, "enc-key-value", key)

	secret, err := m.ConnectionSecret("bucket-a")
	require.NoError(t, err)
	assert.Equal(t, "conn-secret-value", secret)
}
