package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/locolive/chatsync/internal/domain"
)

// MemoryTokenStore keeps the token pair in process memory
type MemoryTokenStore struct {
	mu   sync.RWMutex
	pair domain.TokenPair
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load(ctx context.Context) (domain.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair.IsZero() {
		return domain.TokenPair{}, domain.ErrNotAuthenticated
	}
	return s.pair, nil
}

func (s *MemoryTokenStore) Save(ctx context.Context, pair domain.TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.pair = domain.TokenPair{}
	s.mu.Unlock()
	return nil
}

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// FileTokenStore keeps the token pair in a file sealed with a key derived from
// a device secret.
type FileTokenStore struct {
	path   string
	secret []byte
	mu     sync.Mutex
}

// NewFileTokenStore creates a new encrypted file token store
func NewFileTokenStore(path, secret string) (*FileTokenStore, error) {
	if secret == "" {
		return nil, errors.New("token store secret is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileTokenStore{path: path, secret: []byte(secret)}, nil
}

func (s *FileTokenStore) deriveKey(salt []byte) *[keySize]byte {
	var key [keySize]byte
	copy(key[:], argon2.IDKey(s.secret, salt, 1, 64*1024, 2, keySize))
	return &key
}

func (s *FileTokenStore) Load(ctx context.Context) (domain.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.TokenPair{}, domain.ErrNotAuthenticated
		}
		return domain.TokenPair{}, fmt.Errorf("failed to read token file: %w", err)
	}
	if len(sealed) < saltSize+nonceSize+secretbox.Overhead {
		return domain.TokenPair{}, errors.New("token file is corrupt")
	}

	salt := sealed[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[saltSize:saltSize+nonceSize])

	plain, ok := secretbox.Open(nil, sealed[saltSize+nonceSize:], &nonce, s.deriveKey(salt))
	if !ok {
		return domain.TokenPair{}, errors.New("token file cannot be decrypted")
	}

	var pair domain.TokenPair
	if err := json.Unmarshal(plain, &pair); err != nil {
		return domain.TokenPair{}, fmt.Errorf("failed to decode token file: %w", err)
	}
	if pair.IsZero() {
		return domain.TokenPair{}, domain.ErrNotAuthenticated
	}
	return pair, nil
}

func (s *FileTokenStore) Save(ctx context.Context, pair domain.TokenPair) error {
	plain, err := json.Marshal(pair)
	if err != nil {
		return err
	}

	header := make([]byte, saltSize+nonceSize)
	if _, err := io.ReadFull(rand.Reader, header); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], header[saltSize:])

	sealed := secretbox.Seal(header, plain, &nonce, s.deriveKey(header[:saltSize]))

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
