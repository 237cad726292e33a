// Package codec provides the process-wide reversible encryption used to keep
// WebDAV secrets out of plaintext memory structures.
//
// Secrets are sealed with AES-256-GCM under a subkey derived (HKDF-SHA256)
// from a master key. The subkey lives in a memguard Enclave and is only
// decrypted into locked memory for the duration of a single seal or open.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of both the master key and the derived AEAD key.
	KeySize = 32

	subkeyInfo = "davkeeper:secret-codec:v1"
	tokenVer   = byte(1)
)

var (
	// ErrDecrypt is returned when a token cannot be opened: wrong key,
	// wrong associated data, truncation or tampering.
	ErrDecrypt = errors.New("codec: cannot decrypt token")
	// ErrKeySize is returned when a master key of the wrong length is supplied.
	ErrKeySize = errors.New("codec: invalid master key size")
)

// Codec seals and opens secrets. It is safe for concurrent use.
type Codec struct {
	key *memguard.Enclave
}

// New derives the codec key from masterKey. masterKey must be KeySize bytes;
// it is wiped before New returns.
func New(masterKey []byte) (*Codec, error) {
	defer memguard.WipeBytes(masterKey)
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrKeySize, len(masterKey), KeySize)
	}
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(subkeyInfo)), sub); err != nil {
		return nil, fmt.Errorf("deriving codec key: %w", err)
	}
	// NewEnclave wipes sub.
	return &Codec{key: memguard.NewEnclave(sub)}, nil
}

// NewRandom returns a Codec keyed with fresh random material. Tokens sealed
// by it can only be opened for the lifetime of the process, which is exactly
// the lifetime of the credential cache.
func NewRandom() (*Codec, error) {
	master := make([]byte, KeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generating codec key: %w", err)
	}
	return New(master)
}

// Encrypt seals plaintext, binding it to aad. The returned token is
// version || nonce || ciphertext.
func (c *Codec) Encrypt(plaintext, aad []byte) ([]byte, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening codec key: %w", err)
	}
	defer buf.Destroy()

	gcm, err := newGCM(buf.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = tokenVer
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(out, out[1:], plaintext, aad), nil
}

// Decrypt opens a token produced by Encrypt with the same aad. Any failure
// to authenticate the token is reported as ErrDecrypt.
func (c *Codec) Decrypt(token, aad []byte) ([]byte, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening codec key: %w", err)
	}
	defer buf.Destroy()

	gcm, err := newGCM(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if len(token) < 1+gcm.NonceSize()+gcm.Overhead() || token[0] != tokenVer {
		return nil, ErrDecrypt
	}
	nonce := token[1 : 1+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, token[1+gcm.NonceSize():], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// EncryptString seals s without associated data and returns a URL-safe
// text token.
func (c *Codec) EncryptString(s string) (string, error) {
	token, err := c.Encrypt([]byte(s), nil)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// DecryptString reverses EncryptString.
func (c *Codec) DecryptString(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := c.Decrypt(raw, nil)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(plain)
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
