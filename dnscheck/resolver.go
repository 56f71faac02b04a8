// Package dnscheck looks challenge TXT records up on a nameserver.
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver queries one nameserver for TXT records.
type Resolver struct {
	nameserver string
	client     *dns.Client
}

// New returns a Resolver for nameserver (host or host:port, port 53 by default).
func New(nameserver string, timeout time.Duration) *Resolver {
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// HasTXT reports whether fqdn has a TXT record equal to value. Multi-string
// records are joined before comparison.
func (r *Resolver) HasTXT(ctx context.Context, fqdn, value string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return false, fmt.Errorf("TXT lookup of %s at %s: %w", fqdn, r.nameserver, err)
	}
	if in.Rcode == dns.RcodeNameError {
		return false, nil
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("TXT lookup of %s at %s: %s", fqdn, r.nameserver, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true, nil
		}
	}
	return false, nil
}
