package crypto

import (
	stdcrypto "crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	blob, err := Seal(KindRSAKey, []byte("pem-bytes"), "hunter2")
	require.NoError(t, err)

	plain, err := Open(KindRSAKey, blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "pem-bytes", string(plain))

	_, err = Open(KindRSAKey, blob, "wrong")
	assert.Error(t, err)

	_, err = Open(KindWalletKey, blob, "hunter2")
	assert.ErrorContains(t, err, "want \"wallet_key\"")

	_, err = Seal(KindRSAKey, []byte("x"), "")
	assert.Error(t, err)
}

func TestLoadWalletKey(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(ethcrypto.FromECDSA(key))

	got, err := LoadWalletKey(SecretSource{Inline: "0x" + hexKey})
	require.NoError(t, err)
	assert.Equal(t, hexKey, got)

	blob, err := Seal(KindWalletKey, []byte(hexKey), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadWalletKey(SecretSource{Path: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, hexKey, got)

	_, err = LoadWalletKey(SecretSource{Inline: "abcd"})
	assert.ErrorContains(t, err, "32-byte")

	_, err = LoadWalletKey(SecretSource{})
	assert.Error(t, err)
}

func testRSAPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), key
}

func TestRSASigner_Headers(t *testing.T) {
	pemBytes, key := testRSAPEM(t)
	s, err := NewRSASigner("key-1", pemBytes)
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	h, err := s.Headers("GET", "/trade-api/v2/portfolio/orders")
	require.NoError(t, err)
	assert.Equal(t, "key-1", h["KALSHI-ACCESS-KEY"])
	assert.Equal(t, "1700000000123", h["KALSHI-ACCESS-TIMESTAMP"])

	sig, err := base64.StdEncoding.DecodeString(h["KALSHI-ACCESS-SIGNATURE"])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("1700000000123GET/trade-api/v2/portfolio/orders"))
	assert.NoError(t, rsa.VerifyPSS(&key.PublicKey, stdcrypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}))
}

func TestRSASigner_PKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	s, err := NewRSASigner("k", pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, s.Public().N)

	_, err = NewRSASigner("k", []byte("not pem"))
	assert.Error(t, err)
}

func TestSigner_SignOrderRecoversAddress(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)), 137)
	require.NoError(t, err)

	order := OrderPayload{
		Salt:        "12345",
		Maker:       s.Address().Hex(),
		Signer:      s.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "4700000",
		TakerAmount: "10000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}

	for _, negRisk := range []bool{false, true} {
		sigHex, err := s.SignOrder(order, negRisk)
		require.NoError(t, err)
		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		require.NoError(t, err)
		require.Len(t, sig, 65)
		assert.Contains(t, []byte{27, 28}, sig[64])

		digest, err := s.OrderDigest(order, negRisk)
		require.NoError(t, err)
		sig[64] -= 27
		pub, err := ethcrypto.SigToPub(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
	}

	std, _ := s.OrderDigest(order, false)
	neg, _ := s.OrderDigest(order, true)
	assert.NotEqual(t, std, neg)

	order.MakerAmount = "4.7"
	_, err = s.SignOrder(order, false)
	assert.ErrorContains(t, err, "makerAmount")
}

func TestHMACAuth_L2Headers(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret"))
	auth := &HMACAuth{Key: "api-key", Secret: secret, Passphrase: "pp"}

	h := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1700000000)
	assert.Equal(t, "1700000000", h["POLY_TIMESTAMP"])
	assert.Equal(t, "api-key", h["POLY_API_KEY"])
	assert.Equal(t, "0xabc", h["POLY_ADDRESS"])

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), h["POLY_SIGNATURE"])

	assert.NotContains(t, auth.String(), "super")
}
