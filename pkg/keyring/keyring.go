// Package keyring resolves the two secrets Database needs before it can
// open a connection — the attribute encryption key and, optionally, a
// connection string's password component — from the OS keyring, falling
// back to an AES-GCM-encrypted file for headless environments where no
// system keyring is reachable (spec.md §4.6: "the encryption key and
// connection secrets may be resolved from flag, config file, or keyring,
// in that order").
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
)

// Secret kinds Database resolves through a Manager. These double as the
// keyring "service" namespace so an encryption key and a connection
// secret for the same alias never collide.
const (
	SecretEncryptionKey    = "s3db/encryption-key"
	SecretConnectionSecret = "s3db/connection-secret"
)

// Manager resolves named secrets from the system keyring, falling back
// to an encrypted file store when the system keyring is unavailable or
// unreachable within probeTimeout.
type Manager struct {
	file    *fileStore
	useFile bool
}

const probeTimeout = 5 * time.Second

// NewManager probes the OS keyring and returns a Manager backed by it,
// or by an AES-GCM file store at filePath (derived from masterPassword)
// if the probe fails or times out.
func NewManager(filePath, masterPassword string) *Manager {
	probeService, probeUser, probeValue := "s3db-probe", "probe", "probe"

	done := make(chan error, 1)
	go func() {
		err := keyring.Set(probeService, probeUser, probeValue)
		if err == nil {
			keyring.Delete(probeService, probeUser)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return &Manager{useFile: false}
		}
	case <-time.After(probeTimeout):
	}

	return &Manager{file: newFileStore(filePath, masterPassword), useFile: true}
}

// EncryptionKey resolves the attribute encryption key stored for alias
// (typically the database's connection host or bucket).
func (m *Manager) EncryptionKey(alias string) (string, error) {
	return m.Get(SecretEncryptionKey, alias)
}

// SetEncryptionKey stores the attribute encryption key for alias.
func (m *Manager) SetEncryptionKey(alias, key string) error {
	return m.Set(SecretEncryptionKey, alias, key)
}

// ConnectionSecret resolves a connection string's password component
// stored for alias.
func (m *Manager) ConnectionSecret(alias string) (string, error) {
	return m.Get(SecretConnectionSecret, alias)
}

// SetConnectionSecret stores a connection string's password component
// for alias.
func (m *Manager) SetConnectionSecret(alias, secret string) error {
	return m.Set(SecretConnectionSecret, alias, secret)
}

// Set stores value under (service, user) in the system keyring, or the
// file store if the system keyring was unreachable at NewManager time.
func (m *Manager) Set(service, user, value string) error {
	if !m.useFile {
		return keyring.Set(service, user, value)
	}
	return m.file.Set(service, user, value)
}

// Get retrieves the value stored under (service, user).
func (m *Manager) Get(service, user string) (string, error) {
	if !m.useFile {
		return keyring.Get(service, user)
	}
	return m.file.Get(service, user)
}

// Delete removes the value stored under (service, user).
func (m *Manager) Delete(service, user string) error {
	if !m.useFile {
		return keyring.Delete(service, user)
	}
	return m.file.Delete(service, user)
}

// fileStore is the headless-environment fallback: entries are
// individually AES-GCM sealed with a key derived from the master
// password, then persisted together as one JSON file.
type fileStore struct {
	path      string
	masterKey []byte
}

type fileEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Sealed  string `json:"sealed"`
}

func newFileStore(path, masterPassword string) *fileStore {
	os.MkdirAll(filepath.Dir(path), 0700)
	key := sha256.Sum256([]byte(masterPassword))
	return &fileStore{path: path, masterKey: key[:]}
}

func entryKey(service, user string) string {
	return fmt.Sprintf("%s:%s", service, user)
}

func (fs *fileStore) seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(fs.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (fs *fileStore) open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(fs.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("keyring: sealed entry too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (fs *fileStore) load() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (fs *fileStore) save(entries map[string]fileEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0600)
}

func (fs *fileStore) Set(service, user, value string) error {
	entries, err := fs.load()
	if err != nil {
		return err
	}
	sealed, err := fs.seal(value)
	if err != nil {
		return err
	}
	entries[entryKey(service, user)] = fileEntry{Service: service, User: user, Sealed: sealed}
	return fs.save(entries)
}

func (fs *fileStore) Get(service, user string) (string, error) {
	entries, err := fs.load()
	if err != nil {
		return "", err
	}
	entry, ok := entries[entryKey(service, user)]
	if !ok {
		return "", fmt.Errorf("keyring: no entry for %s:%s", service, user)
	}
	return fs.open(entry.Sealed)
}

func (fs *fileStore) Delete(service, user string) error {
	entries, err := fs.load()
	if err != nil {
		return err
	}
	delete(entries, entryKey(service, user))
	return fs.save(entries)
}

// MasterPasswordFromEnv returns S3DB_KEYRING_PASSWORD, or a fixed
// development default if it isn't set.
func MasterPasswordFromEnv() string {
	if password := os.Getenv("S3DB_KEYRING_PASSWORD"); password != "" {
		return password
	}
	return "s3db-dev-master-password"
}

// DefaultPath returns S3DB_KEYRING_PATH, or a XDG-style default under
// the user's home directory.
func DefaultPath() string {
	if path := os.Getenv("S3DB_KEYRING_PATH"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "s3db-keyring.json")
	}
	return filepath.Join(homeDir, ".local", "share", "s3db", "keyring.json")
}
