// Package keys generates room keys and seals them at rest.
//
// Room keys are 32 random bytes handed to members as base64. In the
// database they are stored sealed with XChaCha20-Poly1305 under a key
// derived by HKDF-SHA256 from the process master key.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

const sealedPrefix = "v1:"

var (
	hkdfInfoRoomKeys = []byte("roomchat.roomkey.v1")
	sealAAD          = []byte(sealedPrefix + "room-key")
)

// Manager seals and opens room keys.
type Manager struct {
	aead interface {
		NonceSize() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewManager derives the sealing key from master.
func NewManager(master []byte) (*Manager, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(master), KeySize)
	}
	sealKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfoRoomKeys), sealKey); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Manager{aead: aead}, nil
}

// LoadOrCreateMaster reads the master key file, creating it with a fresh
// random key (mode 0600) when it does not exist.
func LoadOrCreateMaster(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("master key file %s is %d bytes, want %d", path, len(data), KeySize)
		}
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create master key dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		// Another process created it first.
		return LoadOrCreateMaster(path)
	}
	if err != nil {
		return nil, fmt.Errorf("create master key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// NewRoomKey returns a fresh room key and its sealed form.
func (m *Manager) NewRoomKey() (plain []byte, sealed string, err error) {
	plain = make([]byte, KeySize)
	if _, err := rand.Read(plain); err != nil {
		return nil, "", fmt.Errorf("generate room key: %w", err)
	}
	sealed, err = m.Seal(plain)
	if err != nil {
		return nil, "", err
	}
	return plain, sealed, nil
}

// Seal encrypts a room key for storage.
func (m *Manager) Seal(plain []byte) (string, error) {
	nonce := make([]byte, m.aead.NonceSize(), m.aead.NonceSize()+len(plain)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}
	out := m.aead.Seal(nonce, nonce, plain, sealAAD)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed room key.
func (m *Manager) Open(sealed string) ([]byte, error) {
	rest, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, errors.New("sealed key has unknown version")
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}
	ns := m.aead.NonceSize()
	if len(raw) < ns+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed key is %d bytes, too short", len(raw))
	}
	plain, err := m.aead.Open(nil, raw[:ns], raw[ns:], sealAAD)
	if err != nil {
		return nil, fmt.Errorf("open sealed key: %w", err)
	}
	return plain, nil
}

// Encode renders a room key for clients.
func Encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
