package cdncert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
)

// AccountManager obtains the ACME account of a vault, registering and
// persisting a new one on first use.
type AccountManager struct {
	directory  ACMEDirectory
	email      string
	secretName string
	logger     *slog.Logger
}

func NewAccountManager(cfg *Config, directory ACMEDirectory, logger *slog.Logger) *AccountManager {
	if cfg == nil || directory == nil || logger == nil {
		panic("NewAccountManager: received nil config, directory, or logger")
	}
	return &AccountManager{
		directory:  directory,
		email:      cfg.Email,
		secretName: cfg.AccountSecretName,
		logger:     logger.With("component", "account"),
	}
}

// EnsureAccount loads the account key stored in secrets, or registers a new
// account and stores its key. A stored key never triggers a registration.
func (m *AccountManager) EnsureAccount(ctx context.Context, secrets SecretStore) (*Account, error) {
	stored, err := secrets.GetSecret(ctx, m.secretName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read account secret %q: %w", m.secretName, err)
	}

	if strings.TrimSpace(stored) != "" {
		key, err := certcrypto.ParsePEMPrivateKey([]byte(stored))
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key from secret %q: %w", m.secretName, err)
		}
		client, err := m.directory.Resume(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to resume ACME account: %w", err)
		}
		m.logger.Debug("Loaded existing ACME account", "secret", m.secretName)
		return &Account{PrivateKey: key, Client: client}, nil
	}

	m.logger.Info("No ACME account key found, registering new account", "secret", m.secretName, "email", m.email)
	key, client, err := m.directory.Register(ctx, m.email)
	if err != nil {
		return nil, fmt.Errorf("ACME registration failed for %s: %w", m.email, err)
	}

	pemKey := certcrypto.PEMEncode(key)
	if len(pemKey) == 0 {
		return nil, errors.New("failed to encode account key")
	}
	if err := secrets.SetSecret(ctx, m.secretName, string(pemKey)); err != nil {
		return nil, fmt.Errorf("failed to persist account key to secret %q: %w", m.secretName, err)
	}

	m.logger.Info("ACME account registered and key persisted", "secret", m.secretName)
	return &Account{PrivateKey: key, Client: client, Created: true}, nil
}
