package safeurl

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticResolver maps hostnames to fixed addresses so tests never touch DNS.
func staticResolver(hosts map[string][]string) func(string) ([]net.IP, error) {
	return func(host string) ([]net.IP, error) {
		addrs, ok := hosts[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, net.ParseIP(a))
		}
		return ips, nil
	}
}

func testPolicy() *Policy {
	return &Policy{
		AllowedDomains: []string{"res.cloudinary.com", "res-console.cloudinary.com"},
		CheckPrivate:   true,
		LookupIP: staticResolver(map[string][]string{
			"res.cloudinary.com":         {"151.101.1.10"},
			"res-console.cloudinary.com": {"151.101.1.11"},
			"internal.service":           {"10.0.3.7"},
			"metadata.cloud":             {"169.254.169.254"},
			"localhost":                  {"127.0.0.1"},
		}),
	}
}

func TestValidateAccepts(t *testing.T) {
	p := testPolicy()
	assert.NoError(t, p.Validate("https://res.cloudinary.com/demo/image/upload/v1/a.jpg"))
	assert.NoError(t, p.Validate("http://res-console.cloudinary.com/x.png"))
}

func TestValidateRejections(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name string
		url  string
	}{
		{"empty url", ""},
		{"bad scheme", "ftp://res.cloudinary.com/a.jpg"},
		{"file scheme", "file:///etc/passwd"},
		{"no hostname", "https:///path-only"},
		{"private ip host", "https://internal.service/a.jpg"},
		{"link local metadata", "https://metadata.cloud/latest/meta-data"},
		{"loopback", "http://localhost/a.jpg"},
		{"literal metadata ip", "http://169.254.169.254/latest/meta-data"},
		{"not on allow list", "https://evil.example.com/a.jpg"},
		{"unresolvable host", "https://res.cloudinary.com.evil.example/a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.url)
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateLiteralIP(t *testing.T) {
	// Literal addresses bypass DNS entirely; the resolver must still
	// classify them.
	p := &Policy{CheckPrivate: true, LookupIP: func(host string) ([]net.IP, error) {
		if ip := net.ParseIP(host); ip != nil {
			return []net.IP{ip}, nil
		}
		return nil, errors.New("no such host")
	}}

	assert.Error(t, p.Validate("http://10.1.2.3/a.jpg"))
	assert.Error(t, p.Validate("http://127.0.0.1:8080/a.jpg"))
	assert.NoError(t, p.Validate("http://151.101.1.10/a.jpg"))
}

func TestValidateDisabledPrivateCheck(t *testing.T) {
	p := testPolicy()
	p.CheckPrivate = false

	// The allow-list still applies with the resolution check off.
	assert.Error(t, p.Validate("https://internal.service/a.jpg"))

	p.AllowedDomains = nil
	assert.NoError(t, p.Validate("https://internal.service/a.jpg"))
}

func TestPolicyFromEnv(t *testing.T) {
	t.Setenv("ALLOWED_IMAGE_DOMAINS", "img.example.com , cdn.example.com")
	t.Setenv("SSRF_CHECK_ENABLED", "false")

	p := PolicyFromEnv()
	assert.Equal(t, []string{"img.example.com", "cdn.example.com"}, p.AllowedDomains)
	assert.False(t, p.CheckPrivate)

	t.Setenv("ALLOWED_IMAGE_DOMAINS", "")
	t.Setenv("SSRF_CHECK_ENABLED", "")
	p = PolicyFromEnv()
	assert.Equal(t, []string{"res.cloudinary.com", "res-console.cloudinary.com"}, p.AllowedDomains)
	assert.True(t, p.CheckPrivate)
}
