package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azcertificates"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

const pkcs12ContentType = "application/x-pkcs12"

type secretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

type certificatesAPI interface {
	GetCertificate(ctx context.Context, name string, version string, options *azcertificates.GetCertificateOptions) (azcertificates.GetCertificateResponse, error)
	ImportCertificate(ctx context.Context, name string, parameters azcertificates.ImportCertificateParameters, options *azcertificates.ImportCertificateOptions) (azcertificates.ImportCertificateResponse, error)
}

// VaultURL returns the data plane URL of a Key Vault in the given cloud.
func VaultURL(vaultName, environment string) string {
	suffix := "vault.azure.net"
	switch strings.ToUpper(environment) {
	case "AZURECHINACLOUD":
		suffix = "vault.azure.cn"
	case "AZUREUSGOVERNMENT", "AZUREUSGOVERNMENTCLOUD":
		suffix = "vault.usgovcloudapi.net"
	}
	return fmt.Sprintf("https://%s.%s", vaultName, suffix)
}

// Vaults implements cdncert.VaultFactory, creating one secrets and one
// certificates client per vault and reusing them for the whole run.
type Vaults struct {
	cred        azcore.TokenCredential
	clientOpt   policy.ClientOptions
	environment string

	mu      sync.Mutex
	secrets map[string]*SecretStore
	certs   map[string]*CertificateVault
}

func NewVaults(cred azcore.TokenCredential, clientOpt policy.ClientOptions, environment string) *Vaults {
	return &Vaults{
		cred:        cred,
		clientOpt:   clientOpt,
		environment: environment,
		secrets:     make(map[string]*SecretStore),
		certs:       make(map[string]*CertificateVault),
	}
}

func (v *Vaults) Secrets(vaultName string) (cdncert.SecretStore, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.secrets[vaultName]; ok {
		return s, nil
	}
	client, err := azsecrets.NewClient(VaultURL(vaultName, v.environment), v.cred, &azsecrets.ClientOptions{ClientOptions: v.clientOpt})
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets client for vault %s: %w", vaultName, err)
	}
	s := &SecretStore{client: client}
	v.secrets[vaultName] = s
	return s, nil
}

func (v *Vaults) Certificates(vaultName string) (cdncert.CertificateVault, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.certs[vaultName]; ok {
		return c, nil
	}
	client, err := azcertificates.NewClient(VaultURL(vaultName, v.environment), v.cred, &azcertificates.ClientOptions{ClientOptions: v.clientOpt})
	if err != nil {
		return nil, fmt.Errorf("failed to create certificates client for vault %s: %w", vaultName, err)
	}
	c := &CertificateVault{client: client}
	v.certs[vaultName] = c
	return c, nil
}

// SecretStore implements cdncert.SecretStore on Key Vault secrets.
type SecretStore struct {
	client secretsAPI
}

func (s *SecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", classify(err)
	}
	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}

func (s *SecretStore) SetSecret(ctx context.Context, name, value string) error {
	_, err := s.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{Value: to.Ptr(value)}, nil)
	return classify(err)
}

// CertificateVault implements cdncert.CertificateVault on Key Vault certificates.
type CertificateVault struct {
	client certificatesAPI
}

func (c *CertificateVault) GetCertificateExpiry(ctx context.Context, name string) (time.Time, error) {
	resp, err := c.client.GetCertificate(ctx, name, "", nil)
	if err != nil {
		return time.Time{}, classify(err)
	}
	if resp.Attributes == nil || resp.Attributes.Expires == nil {
		return time.Time{}, fmt.Errorf("certificate %q has no expiry attribute", name)
	}
	return *resp.Attributes.Expires, nil
}

func (c *CertificateVault) ImportCertificate(ctx context.Context, name string, pfx []byte, password string) (cdncert.VaultCertificate, error) {
	params := azcertificates.ImportCertificateParameters{
		Base64EncodedCertificate: to.Ptr(base64.StdEncoding.EncodeToString(pfx)),
		Password:                 to.Ptr(password),
		CertificatePolicy: &azcertificates.CertificatePolicy{
			SecretProperties: &azcertificates.SecretProperties{ContentType: to.Ptr(pkcs12ContentType)},
		},
	}
	resp, err := c.client.ImportCertificate(ctx, name, params, nil)
	if err != nil {
		return cdncert.VaultCertificate{}, classify(err)
	}
	if resp.ID == nil {
		return cdncert.VaultCertificate{}, errors.New("imported certificate has no ID")
	}
	return cdncert.VaultCertificate{Name: resp.ID.Name(), Version: resp.ID.Version()}, nil
}
