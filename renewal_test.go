package cdncert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func TestRenewIssuesImportsAndActivates(t *testing.T) {
	task := testTask("site.example.com", "kv1")
	h := newHarness(testConfig(task))
	accounts := newAccountCache(h.renewer.accounts)

	res := h.renewer.Renew(context.Background(), task, accounts)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)

	// challenge record, relative to the zone
	key := dnsKey("dns-rg", "example.com", "_acme-challenge.site")
	require.Contains(t, h.dns.records, key)
	assert.Equal(t, []string{DNSTXTValue("token-1.thumbprint")}, h.dns.records[key])

	// account registered once and persisted in the domain's vault
	registers, _ := h.directory.counts()
	assert.Equal(t, 1, registers)
	assert.Contains(t, h.vaults.secretStore("kv1").values, DefaultAccountSecretName)

	// archive imported under the derived name
	vault := h.vaults.certVault("kv1")
	require.Len(t, vault.imports, 1)
	imported := vault.imports[0]
	assert.Equal(t, "siteexamplecom", imported.Name)
	_, leaf, _, err := pkcs12.DecodeChain(imported.PFX, imported.Password)
	require.NoError(t, err)
	assert.Equal(t, "site.example.com", leaf.Subject.CommonName)

	// CDN pointed at exactly that vault object
	require.Len(t, h.cdn.calls, 1)
	call := h.cdn.calls[0]
	assert.Equal(t, VaultCertificate{Name: "siteexamplecom", Version: "v1"}, call.Certificate)
	assert.Equal(t, "kv1", call.VaultName)
	assert.Equal(t, "cdn-rg", call.VaultResourceGroup)
	assert.Equal(t, task.CDN, call.Target)
	assert.Equal(t, &call.Certificate, res.Certificate)

	require.Len(t, h.history.certs, 1)
	assert.Equal(t, "site.example.com", h.history.certs[0].Identifier)
	assert.Equal(t, "v1", h.history.certs[0].VaultVersion)
	require.NotNil(t, res.Expiry)
	assert.True(t, leaf.NotAfter.Equal(*res.Expiry))
}

func TestRenewWildcardUsesBaseNames(t *testing.T) {
	task := testTask("*.example.com", "kv1")
	task.KeyVaultResourceGroup = "vault-rg"
	h := newHarness(testConfig(task))

	res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
	require.NoError(t, res.Err)

	assert.Contains(t, h.dns.records, dnsKey("dns-rg", "example.com", "_acme-challenge"))
	require.Len(t, h.cdn.calls, 1)
	assert.Equal(t, "examplecom", h.cdn.calls[0].Certificate.Name)
	assert.Equal(t, "vault-rg", h.cdn.calls[0].VaultResourceGroup)
}

func TestRenewSkipsCertificateOutsideThreshold(t *testing.T) {
	task := testTask("site.example.com", "kv1")
	h := newHarness(testConfig(task))
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	h.renewer.now = func() time.Time { return now }
	h.vaults.certVault("kv1").expiry["siteexamplecom"] = now.Add(30 * 24 * time.Hour)

	res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	registers, resumes := h.directory.counts()
	assert.Zero(t, registers+resumes)
	assert.Zero(t, h.ca.newOrders)
	assert.Zero(t, h.dns.sets)
	assert.Empty(t, h.cdn.calls)
	assert.Empty(t, h.vaults.certVault("kv1").imports)
	assert.Zero(t, h.vaults.secretStore("kv1").gets)
}

func TestRenewCertificateInsideThreshold(t *testing.T) {
	task := testTask("site.example.com", "kv1")
	h := newHarness(testConfig(task))
	now := time.Now()
	h.renewer.now = func() time.Time { return now }
	h.vaults.certVault("kv1").expiry["siteexamplecom"] = now.Add(3 * 24 * time.Hour)

	res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)
	assert.Len(t, h.cdn.calls, 1)
}

func TestRenewValidationFailureStopsChain(t *testing.T) {
	task := testTask("site.example.com", "kv1")
	h := newHarness(testConfig(task))
	h.ca.invalid["site.example.com"] = &Problem{Detail: "No TXT record found"}

	res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
	assert.Equal(t, OutcomeFailed, res.Outcome)

	var se *StageError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, StageValidation, se.Stage)
	assert.True(t, IsChallengeValidationFailed(res.Err))

	assert.Zero(t, h.ca.finalizes)
	assert.Empty(t, h.vaults.certVault("kv1").imports)
	assert.Empty(t, h.cdn.calls)
	assert.Empty(t, h.history.certs)
}

func TestRenewStageErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		stage Stage
	}{
		{"expiry lookup", func(h *harness) { h.vaults.certVault("kv1").getErr = errBoom }, StageExpiry},
		{"account", func(h *harness) { h.directory.registerErr = errBoom }, StageAccount},
		{"dns read", func(h *harness) { h.dns.getErr = errBoom }, StageDNSPublish},
		{"import", func(h *harness) { h.vaults.certVault("kv1").importErr = errBoom }, StageImport},
		{"activate", func(h *harness) { h.cdn.err = errBoom }, StageActivate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := testTask("site.example.com", "kv1")
			h := newHarness(testConfig(task))
			tt.setup(h)

			res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.ErrorIs(t, res.Err, errBoom)

			var se *StageError
			require.True(t, errors.As(res.Err, &se))
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, "site.example.com", se.Domain)
			assert.Empty(t, h.history.certs)
		})
	}
}

func TestRenewHistoryFailureIsNotFatal(t *testing.T) {
	task := testTask("site.example.com", "kv1")
	h := newHarness(testConfig(task))
	h.history.err = errBoom

	res := h.renewer.Renew(context.Background(), task, newAccountCache(h.renewer.accounts))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)
}

func TestAccountCacheCachesFailurePerVault(t *testing.T) {
	ca := newFakeCA()
	dir := &fakeDirectory{ca: ca, registerErr: errBoom}
	cache := newAccountCache(NewAccountManager(testConfig(), dir, discardLogger()))
	secrets := &fakeSecrets{values: map[string]string{}}

	_, err := cache.get(context.Background(), "kv1", secrets)
	assert.ErrorIs(t, err, errBoom)
	_, err = cache.get(context.Background(), "kv1", secrets)
	assert.ErrorIs(t, err, errBoom)

	registers, _ := dir.counts()
	assert.Equal(t, 1, registers)

	dir.mu.Lock()
	dir.registerErr = nil
	dir.mu.Unlock()
	acct, err := cache.get(context.Background(), "kv2", &fakeSecrets{values: map[string]string{}})
	require.NoError(t, err)
	assert.True(t, acct.Created)
}

func TestNewRenewerRequiresCollaborators(t *testing.T) {
	assert.Panics(t, func() { NewRenewer(testConfig(), Dependencies{}, discardLogger()) })
	assert.Panics(t, func() { NewRenewer(nil, Dependencies{}, discardLogger()) })
}
