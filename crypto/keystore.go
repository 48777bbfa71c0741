package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// KeySource enumerates the places a signing key may be loaded from. Exactly
// one of Hex, Env, File or Keystore should be populated.
type KeySource struct {
	Hex      string
	Env      string
	File     string
	Keystore string
	// Passphrase unlocks Keystore. It is resolved lazily so an operator prompt
	// only happens when a keystore is actually configured.
	Passphrase func() (string, error)
}

// Empty reports whether no key location has been configured.
func (s KeySource) Empty() bool {
	return strings.TrimSpace(s.Hex) == "" &&
		strings.TrimSpace(s.Env) == "" &&
		strings.TrimSpace(s.File) == "" &&
		strings.TrimSpace(s.Keystore) == ""
}

// Load resolves the key described by the source.
func (s KeySource) Load() (*PrivateKey, error) {
	switch {
	case strings.TrimSpace(s.Hex) != "":
		return PrivateKeyFromHex(s.Hex)
	case strings.TrimSpace(s.Env) != "":
		name := strings.TrimSpace(s.Env)
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("crypto: key env %s is empty", name)
		}
		return PrivateKeyFromHex(value)
	case strings.TrimSpace(s.File) != "":
		contents, err := os.ReadFile(strings.TrimSpace(s.File))
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return PrivateKeyFromHex(string(contents))
	case strings.TrimSpace(s.Keystore) != "":
		if s.Passphrase == nil {
			return nil, errors.New("crypto: keystore passphrase source not configured")
		}
		passphrase, err := s.Passphrase()
		if err != nil {
			return nil, err
		}
		return LoadFromKeystore(strings.TrimSpace(s.Keystore), passphrase)
	default:
		return nil, errors.New("crypto: no key source configured")
	}
}

// SaveToKeystore writes key to an Ethereum v3 keystore file at path. The
// parent directory is created with 0700 permissions and any previous file is
// replaced.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if strings.TrimSpace(passphrase) == "" {
		return errors.New("crypto: keystore passphrase cannot be empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	ks := keystore.NewKeyStore(staging, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
