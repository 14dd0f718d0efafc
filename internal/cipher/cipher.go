// Package cipher seals everything exchanged with the inspector using key
// material derived from the shared passphrase.
//
// Record and handshake bodies use XChaCha20-Poly1305 under an argon2id
// derived key. Auth tokens use an age scrypt envelope so the inspector can
// issue them without sharing derived key state. Check values and device
// identifiers are keyed blake3 digests.
package cipher

import (
	"bytes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultScryptWorkFactor is the log2 scrypt cost used for auth tokens.
	DefaultScryptWorkFactor = 15
	minScryptWorkFactor     = 10
	maxScryptWorkFactor     = 22

	kdfSaltContext = "inspectlink 2024-06-01 passphrase salt"
	argonTime      = 1
	argonMemoryKiB = 19 * 1024
	argonThreads   = 1
	derivedKeyLen  = chacha20poly1305.KeySize * 2

	checkValueDomain = "repository-signature\x00"
	deviceIDDomain   = "device-identifier\x00"
)

var (
	// ErrDecrypt is returned for any ciphertext that fails authentication.
	ErrDecrypt = errors.New("cipher: message authentication failed")
	// ErrEmptyPassphrase is returned by New when no passphrase is configured.
	ErrEmptyPassphrase = errors.New("cipher: passphrase is required")
)

// Options tunes the cipher. The zero value selects defaults.
type Options struct {
	ScryptWorkFactor int
}

// Cipher is safe for concurrent use.
type Cipher struct {
	aead       stdcipher.AEAD
	macKey     []byte
	passphrase string
	workFactor int
}

func New(passphrase string, opts Options) (*Cipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, 16)
	blake3.DeriveKey(kdfSaltContext, nil, salt)
	derived := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, derivedKeyLen)

	aead, err := chacha20poly1305.NewX(derived[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("init xchacha20-poly1305: %w", err)
	}

	return &Cipher{
		aead:       aead,
		macKey:     derived[chacha20poly1305.KeySize:],
		passphrase: passphrase,
		workFactor: clampWorkFactor(opts.ScryptWorkFactor),
	}, nil
}

func clampWorkFactor(v int) int {
	switch {
	case v == 0:
		return DefaultScryptWorkFactor
	case v < minScryptWorkFactor:
		return minScryptWorkFactor
	case v > maxScryptWorkFactor:
		return maxScryptWorkFactor
	default:
		return v
	}
}

// Seal encrypts plaintext and binds it to aad. The random nonce is prepended
// to the returned ciphertext.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (c *Cipher) Open(ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// SealToken wraps an auth token payload in a passphrase-protected age
// envelope and returns it as base64 text.
func (c *Cipher) SealToken(plaintext []byte) (string, error) {
	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return "", fmt.Errorf("create scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(c.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("write token plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize token envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *Cipher) OpenToken(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: token is not base64: %v", ErrDecrypt, err)
	}

	identity, err := age.NewScryptIdentity(c.passphrase)
	if err != nil {
		return nil, fmt.Errorf("create scrypt identity: %w", err)
	}
	identity.SetMaxWorkFactor(maxScryptWorkFactor)

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}

// CheckValue proves knowledge of both the passphrase and the repository
// signature without revealing either.
func (c *Cipher) CheckValue(signature string) string {
	return c.keyedHex(checkValueDomain, signature)
}

// DeviceIdentifier maps a raw device identity to the identifier exchanged
// during the handshake.
func (c *Cipher) DeviceIdentifier(raw string) string {
	return c.keyedHex(deviceIDDomain, raw)
}

func (c *Cipher) keyedHex(domain, value string) string {
	h, err := blake3.NewKeyed(c.macKey)
	if err != nil {
		// macKey is always 32 bytes.
		panic("cipher: keyed blake3: " + err.Error())
	}
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte(value))

	return hex.EncodeToString(h.Sum(nil))
}
