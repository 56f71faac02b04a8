package azure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/cdn/armcdn"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

type customDomainsAPI interface {
	EnableCustomHTTPS(ctx context.Context, resourceGroupName string, profileName string, endpointName string, customDomainName string, options *armcdn.CustomDomainsClientEnableCustomHTTPSOptions) (armcdn.CustomDomainsClientEnableCustomHTTPSResponse, error)
}

// CDN implements cdncert.CDN on Azure CDN custom domains.
type CDN struct {
	subscriptionID string
	domains        customDomainsAPI
	logger         *slog.Logger
}

func NewCDN(subscriptionID string, cred azcore.TokenCredential, clientOpt policy.ClientOptions, logger *slog.Logger) (*CDN, error) {
	client, err := armcdn.NewCustomDomainsClient(subscriptionID, cred, &arm.ClientOptions{ClientOptions: clientOpt})
	if err != nil {
		return nil, fmt.Errorf("failed to create CDN custom domains client: %w", err)
	}
	return &CDN{subscriptionID: subscriptionID, domains: client, logger: logger.With("component", "cdn")}, nil
}

// EnableCustomHTTPS points the custom domain at the Key Vault certificate
// with TLS 1.2 minimum and SNI. The CDN accepts the request and provisions
// the certificate asynchronously; the custom domain state is not polled.
func (c *CDN) EnableCustomHTTPS(ctx context.Context, a cdncert.CDNActivation) error {
	_, err := c.domains.EnableCustomHTTPS(ctx,
		a.Target.ResourceGroup, a.Target.ProfileName, a.Target.EndpointName, a.Target.CustomDomainName,
		&armcdn.CustomDomainsClientEnableCustomHTTPSOptions{
			CustomDomainHTTPSParameters: userManagedHTTPS(c.subscriptionID, a),
		})
	if err != nil {
		return classify(err)
	}
	c.logger.Info("Custom domain HTTPS enable requested",
		"endpoint", a.Target.EndpointName,
		"custom_domain", a.Target.CustomDomainName,
		"certificate", a.Certificate.Name,
		"version", a.Certificate.Version,
	)
	return nil
}

func userManagedHTTPS(subscriptionID string, a cdncert.CDNActivation) *armcdn.UserManagedHTTPSParameters {
	return &armcdn.UserManagedHTTPSParameters{
		CertificateSource: to.Ptr(armcdn.CertificateSourceAzureKeyVault),
		ProtocolType:      to.Ptr(armcdn.ProtocolTypeServerNameIndication),
		MinimumTLSVersion: to.Ptr(armcdn.MinimumTLSVersionTLS12),
		CertificateSourceParameters: &armcdn.KeyVaultCertificateSourceParameters{
			TypeName:          to.Ptr(armcdn.KeyVaultCertificateSourceParametersTypeNameKeyVaultCertificateSourceParameters),
			SubscriptionID:    to.Ptr(subscriptionID),
			ResourceGroupName: to.Ptr(a.VaultResourceGroup),
			VaultName:         to.Ptr(a.VaultName),
			SecretName:        to.Ptr(a.Certificate.Name),
			SecretVersion:     to.Ptr(a.Certificate.Version),
			UpdateRule:        to.Ptr(armcdn.UpdateRuleNoAction),
			DeleteRule:        to.Ptr(armcdn.DeleteRuleNoAction),
		},
	}
}
