package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"

	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// keyringService namespaces lakekeeper entries in the OS keyring.
const keyringService = "lakekeeper-secrets"

// KeyringStore keeps secrets in the operating-system keyring. Suitable for
// single-node deployments where no shared database encryption key exists.
type KeyringStore struct {
	logger *logger.Logger
}

// NewKeyringStore probes keyring availability once at startup.
func NewKeyringStore(log *logger.Logger) (*KeyringStore, error) {
	probe := uuid.New().String()
	if err := keyring.Set(keyringService, "probe-"+probe, "ok"); err != nil {
		return nil, fmt.Errorf("system keyring unavailable: %w", err)
	}
	_ = keyring.Delete(keyringService, "probe-"+probe)
	return &KeyringStore{logger: log}, nil
}

func (s *KeyringStore) Create(_ context.Context, cred *storage.Credential) (uuid.UUID, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to serialize credential: %w", err)
	}
	secretID := uuid.New()
	if err := keyring.Set(keyringService, secretID.String(), string(raw)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store secret in keyring: %w", err)
	}
	return secretID, nil
}

func (s *KeyringStore) Get(_ context.Context, secretID uuid.UUID) (*storage.Credential, error) {
	raw, err := keyring.Get(keyringService, secretID.String())
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cred storage.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret %s: %w", secretID, err)
	}
	return &cred, nil
}

func (s *KeyringStore) Delete(_ context.Context, secretID uuid.UUID) error {
	err := keyring.Delete(keyringService, secretID.String())
	if err != nil && err != keyring.ErrNotFound {
		return err
	}
	return nil
}
