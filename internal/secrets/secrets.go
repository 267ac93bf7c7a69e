// Package secrets stores storage-credential material. Secrets are immutable:
// a warehouse credential change writes a new secret and repoints the
// reference; unreferenced secrets are garbage-collected.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/cache"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// ErrNotFound is returned when a secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store is the secrets capability surface.
type Store interface {
	Create(ctx context.Context, cred *storage.Credential) (uuid.UUID, error)
	Get(ctx context.Context, secretID uuid.UUID) (*storage.Credential, error)
	Delete(ctx context.Context, secretID uuid.UUID) error
}

// PostgresStore keeps secrets AES-GCM-encrypted in the catalog database.
type PostgresStore struct {
	db        *database.PostgreSQL
	logger    *logger.Logger
	masterKey []byte
	cache     *cache.Cache[uuid.UUID, *storage.Credential]
}

// NewPostgresStore derives the master key from the configured passphrase.
func NewPostgresStore(db *database.PostgreSQL, log *logger.Logger, encryptionKey string) (*PostgresStore, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	key := sha256.Sum256([]byte(encryptionKey))
	return &PostgresStore{
		db:        db,
		logger:    log,
		masterKey: key[:],
		cache:     cache.New[uuid.UUID, *storage.Credential]("secrets", 1024, 600*time.Second),
	}, nil
}

// Create encrypts and stores the credential, returning its id.
func (s *PostgresStore) Create(ctx context.Context, cred *storage.Credential) (uuid.UUID, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize credential: %w", err)
	}

	ciphertext, nonce, err := s.encrypt(plaintext)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	secretID := uuid.New()
	_, err = s.db.Pool().Exec(ctx,
		`INSERT INTO secrets (secret_id, encrypted_data, nonce) VALUES ($1, $2, $3)`,
		secretID, ciphertext, nonce,
	)
	if err != nil {
		s.logger.Errorf("Failed to store secret: %v", err)
		return uuid.Nil, err
	}
	return secretID, nil
}

// Get decrypts a secret. Secrets never change, so the cache needs no fence.
func (s *PostgresStore) Get(ctx context.Context, secretID uuid.UUID) (*storage.Credential, error) {
	if cred, ok := s.cache.Get(secretID, cache.VersionAny); ok {
		return cred, nil
	}

	var ciphertext, nonce []byte
	err := s.db.ReadPool().QueryRow(ctx,
		`SELECT encrypted_data, nonce FROM secrets WHERE secret_id = $1`, secretID,
	).Scan(&ciphertext, &nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	plaintext, err := s.decrypt(ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret %s: %w", secretID, err)
	}

	var cred storage.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret %s: %w", secretID, err)
	}
	s.cache.Put(secretID, &cred, cache.VersionAny)
	return &cred, nil
}

// Delete removes a secret. Called by warehouse deletion GC.
func (s *PostgresStore) Delete(ctx context.Context, secretID uuid.UUID) error {
	_, err := s.db.Pool().Exec(ctx, `DELETE FROM secrets WHERE secret_id = $1`, secretID)
	if err != nil {
		return err
	}
	s.cache.Remove(secretID)
	return nil
}

// encrypt seals plaintext with AES-GCM; the nonce is stored alongside.
func (s *PostgresStore) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (s *PostgresStore) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
