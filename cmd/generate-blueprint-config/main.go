package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-acme/lego/v4/lego"
	"github.com/pelletier/go-toml/v2"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

func generateBlueprintConfig() cdncert.Config {
	return cdncert.Config{
		Email:              "your-acme-account@example.com",
		CADirectoryURL:     lego.LEDirectoryStaging,
		AccountSecretName:  cdncert.DefaultAccountSecretName,
		CertificateKeyType: cdncert.DefaultKeyType,
		AzureEnvironment:   "AzurePublicCloud",
		SubscriptionID:     "00000000-0000-0000-0000-000000000000",
		TenantID:           "00000000-0000-0000-0000-000000000000",
		ClientID:           "",
		DNSTXTTTL:          3600,
		Workers:            2,
		Certificates: []cdncert.DomainTask{
			{
				DomainName:           "www.example.com",
				DNSZoneName:          "example.com",
				DNSZoneResourceGroup: "dns-rg",
				Subject: cdncert.SubjectFields{
					Country:      "US",
					State:        "Washington",
					Locality:     "Seattle",
					Organization: "Example Inc",
				},
				CDN: cdncert.CDNTarget{
					ResourceGroup:    "cdn-rg",
					ProfileName:      "example-profile",
					EndpointName:     "example-endpoint",
					CustomDomainName: "www-example-com",
				},
				KeyVaultName:          "example-vault",
				KeyVaultResourceGroup: "vault-rg",
			},
		},
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "cdncert.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "cdncert.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint CDN certificate renewal TOML configuration file with example values.\n")
		fmt.Fprintf(os.Stderr, "Remember to replace placeholder values and load secrets through the environment.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger.Info("Generating blueprint configuration...")
	blueprintCfg := generateBlueprintConfig()
	if err := blueprintCfg.Validate(); err != nil {
		logger.Warn("Blueprint configuration does not validate", "error", err)
	}

	logger.Info("Marshalling configuration to TOML...")
	tomlBytes, err := toml.Marshal(blueprintCfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	err = os.WriteFile(*outputFileFlag, tomlBytes, 0644)
	if err != nil {
		logger.Error("Failed to write blueprint config file",
			"path", *outputFileFlag,
			"error", err)
		os.Exit(1)
	}

	logger.Info("Blueprint configuration generated successfully", "path", *outputFileFlag)
	logger.Warn("IMPORTANT: Review the generated file and replace placeholders. The service principal secret is read from AZURE_CLIENT_SECRET and never stored in the file.")
}
