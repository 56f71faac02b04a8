package zombiezen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite/sqlitex"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

func newTestDb(t *testing.T) *Db {
	t.Helper()
	pool, err := sqlitex.NewPool(filepath.Join(t.TempDir(), "history.db"), sqlitex.PoolOptions{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	db := NewWriter(pool)
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestAddCertAndLatest(t *testing.T) {
	db := newTestDb(t)
	ctx := context.Background()

	missing, err := db.Latest(ctx, "site.example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(60 * 24 * time.Hour)
	for _, issued := range []time.Time{first, second} {
		require.NoError(t, db.AddCert(ctx, cdncert.Cert{
			Identifier:   "site.example.com",
			Domains:      []string{"site.example.com"},
			VaultName:    "siteexamplecom",
			VaultVersion: issued.Format("20060102"),
			IssuedAt:     issued,
			ExpiresAt:    issued.Add(90 * 24 * time.Hour),
		}))
	}
	require.NoError(t, db.AddCert(ctx, cdncert.Cert{
		Identifier: "*.example.org",
		Domains:    []string{"*.example.org"},
		VaultName:  "exampleorg",
		IssuedAt:   second.Add(time.Hour),
		ExpiresAt:  second.Add(91 * 24 * time.Hour),
	}))

	latest, err := db.Latest(ctx, "site.example.com")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.NotZero(t, latest.ID)
	assert.Equal(t, "siteexamplecom", latest.VaultName)
	assert.Equal(t, second.Format("20060102"), latest.VaultVersion)
	assert.Equal(t, []string{"site.example.com"}, latest.Domains)
	assert.True(t, second.Equal(latest.IssuedAt))
	assert.True(t, second.Add(90*24*time.Hour).Equal(latest.ExpiresAt))
}

func TestEnsureSchemaIsRepeatable(t *testing.T) {
	db := newTestDb(t)
	assert.NoError(t, db.EnsureSchema(context.Background()))
}

func TestNewWriterPanicsOnNilPool(t *testing.T) {
	assert.Panics(t, func() { NewWriter(nil) })
}
