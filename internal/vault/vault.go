// Package vault keeps node credentials encrypted at rest, one sealed record
// per node reference.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	recordVersion byte = 0x01
	overhead           = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	recordExt          = ".cred"
)

var hkdfInfoRecord = []byte("ovfleet.vault.record.v1")

var ErrNotFound = errors.New("credentials not found")

// SSHCredentials are the login details used to bootstrap a node.
type SSHCredentials struct {
	Host       string `cbor:"1,keyasint"`
	Port       int    `cbor:"2,keyasint"`
	User       string `cbor:"3,keyasint"`
	Password   string `cbor:"4,keyasint,omitempty"`
	PrivateKey []byte `cbor:"5,keyasint,omitempty"`
}

// StorageCredentials are the object-storage settings handed to a node.
type StorageCredentials struct {
	AccessKeyID     string `cbor:"1,keyasint"`
	SecretAccessKey string `cbor:"2,keyasint"`
	Bucket          string `cbor:"3,keyasint"`
	AccountID       string `cbor:"4,keyasint"`
	PublicBaseURL   string `cbor:"5,keyasint"`
	DownloadToken   string `cbor:"6,keyasint"`
}

// NodeCredentials are the agent settings generated during bootstrap.
type NodeCredentials struct {
	Port       int    `cbor:"1,keyasint"`
	APIKey     string `cbor:"2,keyasint"`
	Protocol   string `cbor:"3,keyasint"`
	TunnelPort int    `cbor:"4,keyasint"`
}

type Credentials struct {
	SSH     SSHCredentials     `cbor:"1,keyasint"`
	Storage StorageCredentials `cbor:"2,keyasint"`
	Node    NodeCredentials    `cbor:"3,keyasint"`
	SavedAt time.Time          `cbor:"4,keyasint"`
}

// Vault stores credentials under an opaque reference, usually the node address.
type Vault interface {
	Save(ctx context.Context, ref string, c Credentials) error
	Load(ctx context.Context, ref string) (Credentials, error)
	Delete(ctx context.Context, ref string) error
}

// FileVault seals each record with XChaCha20-Poly1305 under a key derived
// from the master key. The reference is authenticated with the record, so a
// file moved to another name fails to open.
type FileVault struct {
	dir string
	key []byte
}

var _ Vault = (*FileVault)(nil)

// OpenFileVault creates dir (0700) if needed.
func OpenFileVault(dir string, masterKey []byte) (*FileVault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("vault master key is %d bytes, want %d", len(masterKey), KeySize)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	key, err := deriveKey(masterKey, hkdfInfoRecord)
	if err != nil {
		return nil, err
	}
	return &FileVault{dir: dir, key: key}, nil
}

// LoadOrCreateKey reads a hex master key from path, generating one (0600) on
// first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil {
			return nil, fmt.Errorf("decode vault key %s: %w", path, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("vault key %s is %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (v *FileVault) Save(_ context.Context, ref string, c Credentials) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	plain, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	sealed, err := v.seal(plain, ref)
	if err != nil {
		return err
	}

	path := v.path(ref)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (v *FileVault) Load(_ context.Context, ref string) (Credentials, error) {
	sealed, err := os.ReadFile(v.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Credentials{}, err
	}
	plain, err := v.open(sealed, ref)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := cbor.Unmarshal(plain, &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

func (v *FileVault) Delete(_ context.Context, ref string) error {
	err := os.Remove(v.path(ref))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (v *FileVault) path(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:16])+recordExt)
}

// seal returns [version][nonce][ciphertext+tag]; version and ref are AAD.
func (v *FileVault) seal(plain []byte, ref string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), overhead+len(plain))
	out[0] = recordVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plain, aad(recordVersion, ref)), nil
}

func (v *FileVault) open(sealed []byte, ref string) ([]byte, error) {
	if len(sealed) < overhead {
		return nil, fmt.Errorf("sealed record is %d bytes, minimum is %d", len(sealed), overhead)
	}
	if sealed[0] != recordVersion {
		return nil, fmt.Errorf("sealed record version %d is not supported", sealed[0])
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(sealed[0], ref))
	if err != nil {
		return nil, fmt.Errorf("open sealed record (wrong key or tampered data): %w", err)
	}
	return plain, nil
}

func aad(version byte, ref string) []byte {
	out := make([]byte, 0, 1+len(ref))
	out = append(out, version)
	return append(out, ref...)
}

func deriveKey(master, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}
