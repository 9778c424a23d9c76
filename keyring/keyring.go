// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/tunnel-manager/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "tunnel-manager"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrAccess      = errors.New("keyring access denied")
	ErrUnavailable = errors.New("keyring service unavailable")
)

// Storage backend state
var (
	useLocalStorage bool
	localStoreMu    sync.RWMutex
	localStore      map[string]string
	localStoreFile  string
	encryptionKey   []byte
	initialized     bool
)

// init initializes the storage backend
func init() {
	initStorage()
}

func initStorage() {
	if initialized {
		return
	}

	// Try system keyring first
	testKey := "tunnel-manager-test-init"
	err := keyring.Set(serviceName, testKey, "test")
	if err == nil {
		keyring.Delete(serviceName, testKey)
		useLocalStorage = false
	} else {
		useLocalStorage = true
		initLocalStorage()
	}
	initialized = true
}

func initLocalStorage() {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".config", common.ConfigDirName)
	os.MkdirAll(configDir, 0700)
	localStoreFile = filepath.Join(configDir, common.CredentialsFileName)

	encryptionKey = deriveKey()

	// Load existing credentials
	localStore = make(map[string]string)
	loadLocalStore()
}

// deriveKey derives the file encryption key from machine-specific data
// via HKDF, so credentials are only readable on the machine and by the
// user that stored them.
func deriveKey() []byte {
	hostname, _ := os.Hostname()
	machineID := getMachineID()
	secret := fmt.Sprintf("tunnel-manager-%s-%s-%d", hostname, machineID, os.Getuid())

	r := hkdf.New(sha256.New, []byte(secret), []byte(serviceName), []byte("credential-store"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over sha256 cannot fail to produce one key's worth of output;
		// fall back to a plain hash just in case.
		sum := sha256.Sum256([]byte(secret))
		return sum[:]
	}
	return key
}

func getMachineID() string {
	// Try to read machine-id
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	// Fallback
	return "default-machine-id"
}

func loadLocalStore() {
	data, err := os.ReadFile(localStoreFile)
	if err != nil {
		return
	}

	decrypted, err := decrypt(data)
	if err != nil {
		return
	}

	json.Unmarshal(decrypted, &localStore)
}

func saveLocalStore() error {
	localStoreMu.RLock()
	data, err := json.Marshal(localStore)
	localStoreMu.RUnlock()
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(localStoreFile, encrypted, 0600)
}

func encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Store saves a password for a tunnel profile.
func Store(profileID string, password string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	if useLocalStorage {
		localStoreMu.Lock()
		localStore[profileID] = password
		localStoreMu.Unlock()
		return saveLocalStore()
	}

	if err := keyring.Set(serviceName, profileID, password); err != nil {
		// Fallback to local storage
		useLocalStorage = true
		initLocalStorage()
		localStoreMu.Lock()
		localStore[profileID] = password
		localStoreMu.Unlock()
		return saveLocalStore()
	}
	return nil
}

// Get retrieves a password for a tunnel profile.
func Get(profileID string) (string, error) {
	if profileID == "" {
		return "", errors.New("profile ID cannot be empty")
	}

	if useLocalStorage {
		localStoreMu.RLock()
		password, exists := localStore[profileID]
		localStoreMu.RUnlock()
		if !exists {
			return "", ErrNotFound
		}
		return password, nil
	}

	password, err := keyring.Get(serviceName, profileID)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", ErrNotFound
		}
		// Try local storage as fallback
		localStoreMu.RLock()
		password, exists := localStore[profileID]
		localStoreMu.RUnlock()
		if exists {
			return password, nil
		}
		return "", ErrNotFound
	}
	return password, nil
}

// Delete removes a password for a tunnel profile.
func Delete(profileID string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}

	if useLocalStorage {
		localStoreMu.Lock()
		delete(localStore, profileID)
		localStoreMu.Unlock()
		return saveLocalStore()
	}

	keyring.Delete(serviceName, profileID)

	// Also remove from local storage if present
	localStoreMu.Lock()
	delete(localStore, profileID)
	localStoreMu.Unlock()
	saveLocalStore()

	return nil
}

// Clear removes all locally stored credentials.
func Clear() error {
	localStoreMu.Lock()
	for id := range localStore {
		if !useLocalStorage {
			keyring.Delete(serviceName, id)
		}
		delete(localStore, id)
	}
	localStoreMu.Unlock()

	if localStoreFile != "" {
		if err := os.Remove(localStoreFile); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Exists checks if a credential exists for a tunnel profile.
func Exists(profileID string) bool {
	_, err := Get(profileID)
	return err == nil
}

// Vault adapts the package-level keyring operations to the
// common.CredentialStore interface so callers can be tested
// against alternative backends.
type Vault struct{}

var _ common.CredentialStore = Vault{}

// Store saves credentials for a tunnel profile.
func (Vault) Store(profileID, password string) error { return Store(profileID, password) }

// Get retrieves credentials for a tunnel profile.
func (Vault) Get(profileID string) (string, error) { return Get(profileID) }

// Delete removes credentials for a tunnel profile.
func (Vault) Delete(profileID string) error { return Delete(profileID) }

// Clear removes all stored credentials.
func (Vault) Clear() error { return Clear() }
