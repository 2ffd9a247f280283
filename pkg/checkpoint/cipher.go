package checkpoint

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// MinCredentialLength is the minimum combined length of username and passphrase.
const MinCredentialLength = 15

const (
	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var blobMagic = []byte("DPS1")

// ErrDecrypt is returned when a blob cannot be authenticated.
var ErrDecrypt = errors.New("cannot decrypt sync payload: wrong credentials or corrupted data")

// Credentials authenticate cloud sync.
type Credentials struct {
	Username   string
	Passphrase string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("sync username is required")
	}
	if c.Passphrase == "" {
		return fmt.Errorf("sync passphrase is required")
	}
	// The length rule counts the pair exactly as entered.
	if n := utf8.RuneCountInString(c.Username) + utf8.RuneCountInString(c.Passphrase); n < MinCredentialLength {
		return fmt.Errorf("username and passphrase together must be at least %d characters, got %d", MinCredentialLength, n)
	}
	return nil
}

// ObjectKey names the remote object for these credentials without
// revealing the username.
func (c Credentials) ObjectKey() string {
	sum := sha256.Sum256([]byte("dotpersona:" + strings.ToLower(strings.TrimSpace(c.Username))))
	return hex.EncodeToString(sum[:16])
}

func (c Credentials) key(salt []byte) []byte {
	material := append([]byte(strings.TrimSpace(c.Username)+"\x00"), salt...)
	return argon2.IDKey([]byte(c.Passphrase), material, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Encrypt seals plaintext as magic | salt | nonce | ciphertext.
func Encrypt(c Credentials, plaintext []byte) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(blobMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, blobMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, blobMagic), nil
}

func Decrypt(c Credentials, blob []byte) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(blob, blobMagic) {
		return nil, ErrDecrypt
	}
	rest := blob[len(blobMagic):]
	if len(rest) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}
	salt, rest := rest[:saltSize], rest[saltSize:]
	nonce, sealed := rest[:chacha20poly1305.NonceSizeX], rest[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, blobMagic)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
