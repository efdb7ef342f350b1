package identifier

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"tessera/internal/services"
)

// Codec holds key material derived once from a process-wide secret and
// performs the authenticated encryption and signing operations. Every
// operation fails closed: invalid input never passes through silently.
type Codec struct {
	aeadKey []byte
	hmacKey []byte
	now     func() time.Time
}

// NewCodec derives the encryption and signing keys from secret via
// HKDF-SHA256. The secret must be non-empty.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, services.Wrap(services.ErrValidation, "identifier", "new codec", "secret is empty", nil)
	}

	aeadKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("tessera/identifier/encrypt")), aeadKey); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	hmacKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("tessera/identifier/sign")), hmacKey); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &Codec{aeadKey: aeadKey, hmacKey: hmacKey, now: time.Now}, nil
}

// Encrypt seals a validated identifier for at-rest storage. The output is
// base64 over nonce||ciphertext and is never used for wire addressing.
func (c *Codec) Encrypt(id string) (string, error) {
	if err := Validate(id); err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(c.aeadKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(id), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt and re-validates the recovered identifier.
func (c *Codec) Decrypt(s string) (string, error) {
	raw, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "identifier", "decrypt", "input is not base64", err)
	}
	aead, err := chacha20poly1305.New(c.aeadKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", services.Wrap(services.ErrValidation, "identifier", "decrypt", "ciphertext too short", nil)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "identifier", "decrypt", "authentication failed", nil)
	}
	id := string(plain)
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

// Sign produces a tamper-evident token over id and an expiry ttl from now.
// The token format is base64(id)|expiryUnix|base64(signature).
func (c *Codec) Sign(id string, ttl time.Duration) (string, error) {
	if err := Validate(id); err != nil {
		return "", err
	}
	expiry := c.now().Add(ttl).Unix()
	sig := c.signature(id, expiry)
	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString([]byte(id)),
		strconv.FormatInt(expiry, 10),
		base64.RawURLEncoding.EncodeToString(sig),
	}, "|"), nil
}

// Verify checks a token produced by Sign. It returns the embedded identifier
// and false on expiry or tamper; it never returns an error.
func (c *Codec) Verify(signed string) (string, bool) {
	parts := strings.Split(signed, "|")
	if len(parts) != 3 {
		return "", false
	}
	rawID, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", false
	}

	id := string(rawID)
	expected := c.signature(id, expiry)
	if !hmac.Equal(sig, expected) {
		return "", false
	}
	if c.now().Unix() > expiry {
		return "", false
	}
	if Validate(id) != nil {
		return "", false
	}
	return id, true
}

func (c *Codec) signature(id string, expiry int64) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(id))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(expiry, 10)))
	return mac.Sum(nil)
}
