package cdncert

import "context"

// Writer defines the interface for storing certificate history records.
type Writer interface {
	// AddCert adds a new certificate record to the history.
	AddCert(ctx context.Context, cert Cert) error
}
