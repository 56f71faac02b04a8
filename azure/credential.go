// Package azure implements the cdncert remote stores on Azure: Key Vault
// secrets and certificates, Azure DNS record sets and Azure CDN custom
// domains.
package azure

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// CredentialOptions selects how to authenticate. With a ClientID a client
// secret credential is used, otherwise a managed identity.
type CredentialOptions struct {
	Environment  string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewCredential returns the token credential shared by every client of a run.
func NewCredential(opts CredentialOptions, logger *slog.Logger) (azcore.TokenCredential, policy.ClientOptions, error) {
	cloudCfg, err := CloudConfiguration(opts.Environment)
	if err != nil {
		return nil, policy.ClientOptions{}, err
	}
	clientOpt := policy.ClientOptions{Cloud: cloudCfg}

	if opts.ClientID != "" {
		logger.Info("Authenticating to Azure with client ID and secret", "client_id", opts.ClientID)
		cred, err := azidentity.NewClientSecretCredential(opts.TenantID, opts.ClientID, opts.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{ClientOptions: clientOpt})
		if err != nil {
			return nil, policy.ClientOptions{}, fmt.Errorf("failed to create client secret credential: %w", err)
		}
		return cred, clientOpt, nil
	}

	logger.Info("No client ID configured, authenticating with managed identity")
	cred, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{ClientOptions: clientOpt})
	if err != nil {
		return nil, policy.ClientOptions{}, fmt.Errorf("failed to create managed identity credential: %w", err)
	}
	return cred, clientOpt, nil
}

// CloudConfiguration maps an Azure environment name to its endpoints.
func CloudConfiguration(name string) (cloud.Configuration, error) {
	switch strings.ToUpper(name) {
	case "AZURECLOUD", "AZUREPUBLICCLOUD", "":
		return cloud.AzurePublic, nil
	case "AZUREUSGOVERNMENT", "AZUREUSGOVERNMENTCLOUD":
		return cloud.AzureGovernment, nil
	case "AZURECHINACLOUD":
		return cloud.AzureChina, nil
	}
	return cloud.Configuration{}, fmt.Errorf("unknown cloud configuration name: %s", name)
}
