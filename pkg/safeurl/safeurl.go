// Package safeurl validates outbound image URLs before download to prevent
// server-side request forgery. Rejections are permanent: callers drop the
// message instead of retrying or dead-lettering it.
package safeurl

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError reports why a URL was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "url validation: " + e.Reason
}

// Policy decides which URLs may be fetched.
type Policy struct {
	// AllowedDomains restricts hostnames when non-empty.
	AllowedDomains []string
	// CheckPrivate rejects hostnames resolving to private, loopback,
	// link-local or reserved addresses.
	CheckPrivate bool
	// LookupIP resolves hostnames. Defaults to net.LookupIP; overridable
	// in tests.
	LookupIP func(host string) ([]net.IP, error)
}

// PolicyFromEnv builds the policy from ALLOWED_IMAGE_DOMAINS (comma list)
// and SSRF_CHECK_ENABLED.
func PolicyFromEnv() *Policy {
	raw := os.Getenv("ALLOWED_IMAGE_DOMAINS")
	if raw == "" {
		raw = "res.cloudinary.com,res-console.cloudinary.com"
	}
	var domains []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}

	check := true
	switch strings.ToLower(os.Getenv("SSRF_CHECK_ENABLED")) {
	case "false", "0", "no":
		check = false
	}

	return &Policy{AllowedDomains: domains, CheckPrivate: check}
}

// Validate returns nil when rawURL is safe to fetch. The checks run in
// order: scheme, hostname presence, private-address resolution, allow-list.
func (p *Policy) Validate(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return &ValidationError{Reason: "URL is empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed URL: %v", err)}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Reason: fmt.Sprintf("invalid scheme %q: only http and https allowed", parsed.Scheme)}
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return &ValidationError{Reason: "URL has no hostname"}
	}

	if p.CheckPrivate && p.resolvesPrivate(hostname) {
		return &ValidationError{Reason: fmt.Sprintf("hostname %q resolves to a private or reserved address", hostname)}
	}

	if len(p.AllowedDomains) > 0 {
		allowed := false
		for _, domain := range p.AllowedDomains {
			if hostname == domain {
				allowed = true
				break
			}
		}
		if !allowed {
			return &ValidationError{Reason: fmt.Sprintf("hostname %q not in allowed domains", hostname)}
		}
	}

	return nil
}

// resolvesPrivate reports whether hostname resolves to any non-public
// address. An unresolvable hostname counts as unsafe.
func (p *Policy) resolvesPrivate(hostname string) bool {
	lookup := p.LookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(hostname)
	if err != nil || len(ips) == 0 {
		return true
	}
	for _, ip := range ips {
		if isNonPublic(ip) {
			return true
		}
	}
	return false
}

func isNonPublic(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// Class E and broadcast are reserved.
	if v4 := ip.To4(); v4 != nil && v4[0] >= 240 {
		return true
	}
	return false
}
