package zombiezen

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	cdncert "github.com/caasmo/restinpieces-cdncert"
)

const schema = `
CREATE TABLE IF NOT EXISTS cdn_certificates (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier    TEXT NOT NULL,
	domains       TEXT NOT NULL,
	vault_name    TEXT NOT NULL,
	vault_version TEXT NOT NULL,
	issued_at     TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_cdn_certificates_identifier ON cdn_certificates (identifier, issued_at);
`

// Db implements the cdncert.Writer interface using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a new Db instance satisfying the Writer interface.
// It expects the sqlitex.Pool to be created and managed externally.
func NewWriter(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	return &Db{pool: pool}
}

// EnsureSchema creates the history table if it does not exist.
func (d *Db) EnsureSchema(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to create schema: %w", err)
	}
	return nil
}

// AddCert adds a new certificate record to the 'cdn_certificates' table.
func (d *Db) AddCert(ctx context.Context, cert cdncert.Cert) error {
	domains, err := json.Marshal(cert.Domains)
	if err != nil {
		return fmt.Errorf("db: failed to encode domains for identifier %q: %w", cert.Identifier, err)
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO cdn_certificates (
			identifier, domains, vault_name, vault_version, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				cert.Identifier,
				string(domains),
				cert.VaultName,
				cert.VaultVersion,
				cdncert.TimeFormat(cert.IssuedAt),
				cdncert.TimeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// Latest returns the most recently issued record for identifier, or nil.
func (d *Db) Latest(ctx context.Context, identifier string) (*cdncert.Cert, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var (
		cert    *cdncert.Cert
		scanErr error
	)
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, vault_name, vault_version, issued_at, expires_at
		FROM cdn_certificates WHERE identifier = ? ORDER BY issued_at DESC, id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c := &cdncert.Cert{
					ID:           stmt.ColumnInt64(0),
					Identifier:   stmt.ColumnText(1),
					VaultName:    stmt.ColumnText(3),
					VaultVersion: stmt.ColumnText(4),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &c.Domains); err != nil {
					scanErr = fmt.Errorf("db: invalid domains for identifier %q: %w", identifier, err)
					return nil
				}
				if c.IssuedAt, scanErr = time.Parse(time.RFC3339, stmt.ColumnText(5)); scanErr != nil {
					return nil
				}
				if c.ExpiresAt, scanErr = time.Parse(time.RFC3339, stmt.ColumnText(6)); scanErr != nil {
					return nil
				}
				cert = c
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to query certificate for identifier %q: %w", identifier, err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return cert, nil
}
