// Package crypto holds the venue credential plumbing: sealed secret files,
// the Kalshi RSA-PSS request signer, and the Polymarket EIP-712 order signer
// with its HMAC L2 headers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedVersion    = 2
)

// sealedFile is the on-disk format of a password-protected secret.
type sealedFile struct {
	Version    int    `json:"version"`
	Kind       string `json:"kind"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Secret kinds recorded in sealed files.
const (
	KindWalletKey = "wallet_key"
	KindRSAKey    = "rsa_pem"
)

// SecretSource says where a credential comes from. Inline wins over Path.
type SecretSource struct {
	Inline   string
	Path     string
	Password string
}

// Seal encrypts secret with PBKDF2-HMAC-SHA256 and AES-256-GCM.
func Seal(kind string, secret []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedFile{
		Version:    sealedVersion,
		Kind:       kind,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, secret, []byte(kind))),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Open decrypts a blob produced by Seal and checks it holds the expected kind.
func Open(kind string, blob []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var stored sealedFile
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed secret: %w", err)
	}
	if stored.Version != sealedVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed secret version %d", stored.Version)
	}
	if stored.Kind != kind {
		return nil, fmt.Errorf("crypto: sealed secret holds %q, want %q", stored.Kind, kind)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(kind))
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return plain, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadWalletKey resolves the Polymarket wallet key as hex without a 0x prefix.
func LoadWalletKey(src SecretSource) (string, error) {
	raw, err := load(KindWalletKey, src)
	if err != nil {
		return "", err
	}
	k := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	b, err := hex.DecodeString(k)
	if err != nil {
		return "", fmt.Errorf("crypto: wallet key is not valid hex: %w", err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("crypto: expected 32-byte wallet key, got %d bytes", len(b))
	}
	return k, nil
}

// LoadRSAKey resolves the PEM-encoded Kalshi API key.
func LoadRSAKey(src SecretSource) ([]byte, error) {
	return load(KindRSAKey, src)
}

// load returns Inline as is, or reads Path: a sealed file when Password is
// set, plain contents otherwise.
func load(kind string, src SecretSource) ([]byte, error) {
	if src.Inline != "" {
		return []byte(src.Inline), nil
	}
	if src.Path == "" {
		return nil, fmt.Errorf("crypto: no %s source configured", kind)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading %s: %w", kind, err)
	}
	if src.Password == "" {
		return data, nil
	}
	return Open(kind, data, src.Password)
}
