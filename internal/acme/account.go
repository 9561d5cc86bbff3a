package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-acme/lego/v4/registration"
)

// account implements registration.User for the lego backend.
type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration,omitempty"`
	key          crypto.PrivateKey
}

func (a *account) GetEmail() string                        { return a.Email }
func (a *account) GetRegistration() *registration.Resource { return a.Registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// accountDir is <dir>/accounts/<directory host>/<directory path>.
func accountDir(dir, directoryURL string) (string, error) {
	u, err := url.Parse(directoryURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid ACME directory URL %q", directoryURL)
	}
	return filepath.Join(dir, "accounts", u.Host, filepath.FromSlash(u.Path)), nil
}

func newAccount(email string) (*account, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate account key: %w", err)
	}
	return &account{Email: email, key: key}, nil
}

// saveAccount writes account.json and account.key under path.
func saveAccount(acc *account, path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("could not create account directory: %w", err)
	}

	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal account: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "account.json"), data, 0o600); err != nil {
		return fmt.Errorf("could not write account file: %w", err)
	}

	ecKey, ok := acc.key.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unsupported account key type %T", acc.key)
	}
	keyBytes, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		return fmt.Errorf("could not marshal account key: %w", err)
	}
	keyData := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(filepath.Join(path, "account.key"), keyData, 0o600); err != nil {
		return fmt.Errorf("could not write account key: %w", err)
	}
	return nil
}

// loadAccount reads an account saved by saveAccount. It returns an error
// matching os.ErrNotExist when none was saved yet.
func loadAccount(path string) (*account, error) {
	data, err := os.ReadFile(filepath.Join(path, "account.json"))
	if err != nil {
		return nil, err
	}
	keyData, err := os.ReadFile(filepath.Join(path, "account.key"))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("could not decode account key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse account key: %w", err)
	}

	var acc account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("could not unmarshal account: %w", err)
	}
	acc.key = key
	return &acc, nil
}
