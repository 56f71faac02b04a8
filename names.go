package cdncert

import "strings"

const challengeLabel = "_acme-challenge"

// BaseDomain strips a leading wildcard label: *.example.com -> example.com.
func BaseDomain(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	return strings.TrimPrefix(domain, "*.")
}

// VaultCertificateName derives the Key Vault object name of a domain's
// certificate: the base domain with every character Key Vault does not
// allow (dots included) removed. *.example.com -> examplecom.
func VaultCertificateName(domain string) string {
	base := BaseDomain(domain)
	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TXTRecordName returns the challenge record name relative to zone.
//
//	foo.example.com in example.com -> _acme-challenge.foo
//	*.example.com   in example.com -> _acme-challenge
func TXTRecordName(domain, zone string) string {
	fqdn := challengeLabel + "." + BaseDomain(domain)
	zone = strings.TrimSuffix(strings.TrimSpace(zone), ".")
	if zone == "" {
		return fqdn
	}
	suffix := "." + zone
	if len(fqdn) > len(suffix) && strings.EqualFold(fqdn[len(fqdn)-len(suffix):], suffix) {
		return fqdn[:len(fqdn)-len(suffix)]
	}
	return fqdn
}

// TXTRecordFQDN is the absolute name of the challenge record.
func TXTRecordFQDN(domain string) string {
	return challengeLabel + "." + BaseDomain(domain) + "."
}
