package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// RSASigner produces Kalshi request signatures: RSA-PSS-SHA256 over
// timestamp + method + path, base64 encoded.
type RSASigner struct {
	keyID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

// NewRSASigner parses a PKCS#8 or PKCS#1 PEM key.
func NewRSASigner(keyID string, pemBytes []byte) (*RSASigner, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("crypto/rsa: no PEM block found in private key")
	}

	var key *rsa.PrivateKey
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("crypto/rsa: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		key = pkcs1
	} else {
		var ok bool
		if key, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("crypto/rsa: expected RSA private key, got %T", parsed)
		}
	}
	return &RSASigner{keyID: keyID, key: key, now: time.Now}, nil
}

// KeyID returns the API key id sent alongside each signature.
func (s *RSASigner) KeyID() string { return s.keyID }

// Public returns the verification key.
func (s *RSASigner) Public() *rsa.PublicKey { return &s.key.PublicKey }

// Sign signs msg and returns the base64 signature.
func (s *RSASigner) Sign(msg string) (string, error) {
	hash := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("crypto/rsa: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Headers returns the KALSHI-ACCESS-* headers for a request. path must be
// the full URL path including the API prefix and without the query string.
func (s *RSASigner) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	sig, err := s.Sign(ts + method + path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}
