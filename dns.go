package cdncert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// DNSPublisher makes the challenge TXT record present in the zone and waits
// for it to propagate.
type DNSPublisher struct {
	zone    DNSZone
	ttl     int64
	delay   time.Duration
	checker PropagationChecker
	logger  *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDNSPublisher builds a publisher. checker may be nil.
func NewDNSPublisher(cfg *Config, zone DNSZone, checker PropagationChecker, logger *slog.Logger) *DNSPublisher {
	if cfg == nil || zone == nil || logger == nil {
		panic("NewDNSPublisher: received nil config, zone, or logger")
	}
	return &DNSPublisher{
		zone:    zone,
		ttl:     cfg.DNSTXTTTL,
		delay:   cfg.Timing.DNSPropagationDelay,
		checker: checker,
		logger:  logger.With("component", "dns"),
		sleep:   sleepContext,
	}
}

// EnsureTXTRecord writes the record set name with the single value expected,
// unless expected is already one of its values. A not-found record set is
// treated as empty; any other read error is returned.
func (p *DNSPublisher) EnsureTXTRecord(ctx context.Context, resourceGroup, zone, name, expected string) error {
	values, err := p.zone.GetTXT(ctx, resourceGroup, zone, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to fetch TXT record %q in zone %s: %w", name, zone, err)
		}
		values = nil
	}

	if slices.Contains(values, expected) {
		p.logger.Info("TXT record already present", "zone", zone, "record_name", name)
		return nil
	}

	if err := p.zone.SetTXT(ctx, resourceGroup, zone, name, []string{expected}, p.ttl); err != nil {
		return fmt.Errorf("failed to create TXT record %q in zone %s: %w", name, zone, err)
	}
	p.logger.Info("TXT record created", "zone", zone, "record_name", name, "ttl", p.ttl)
	return nil
}

// WaitForPropagation sleeps the configured propagation delay. When a
// checker is set the record is then looked up once; a miss is logged and
// validation proceeds anyway.
func (p *DNSPublisher) WaitForPropagation(ctx context.Context, fqdn, value string) error {
	if p.delay > 0 {
		p.logger.Info("Waiting for DNS propagation", "fqdn", fqdn, "delay", p.delay)
		if err := p.sleep(ctx, p.delay); err != nil {
			return err
		}
	}
	if p.checker == nil {
		return nil
	}

	found, err := p.checker.HasTXT(ctx, fqdn, value)
	switch {
	case err != nil:
		p.logger.Warn("TXT propagation check failed", "fqdn", fqdn, "error", err)
	case !found:
		p.logger.Warn("TXT record not visible yet, validating anyway", "fqdn", fqdn)
	default:
		p.logger.Debug("TXT record visible", "fqdn", fqdn)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
