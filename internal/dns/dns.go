package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicDNS are servers to be queried if a local lookup fails
var publicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

// Resolver looks hosts up through the system resolver first and races a set
// of public servers when that fails.
type Resolver struct {
	// Servers are raced on fallback. Defaults to well-known public resolvers.
	Servers       []string
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration

	// lookupHost is replaced in tests.
	lookupHost func(ctx context.Context, r *net.Resolver, host string) ([]string, error)
}

// DefaultResolver is used by Lookup.
var DefaultResolver = &Resolver{}

// Lookup resolves a hostname with DefaultResolver.
func Lookup(ctx context.Context, host string) (string, error) {
	return DefaultResolver.Lookup(ctx, host)
}

// Lookup resolves host to a single IP address, preferring IPv4. IP literals are
// returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	local, cancel := context.WithTimeout(ctx, r.localTimeout())
	ip, err := r.lookup(local, &net.Resolver{}, host)
	cancel()
	if err == nil {
		return ip, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return r.race(ctx, host)
}

// race returns the first answer from the public servers.
func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	servers := r.Servers
	if len(servers) == 0 {
		servers = publicDNS
	}

	type result struct {
		ip  string
		err error
	}
	results := make(chan result, len(servers))
	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout())
	defer cancel()

	for _, server := range servers {
		go func(server string) {
			ip, err := r.lookup(ctx, viaServer(server), host)
			results <- result{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range servers {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("dns lookup for %s timed out during public resolver race", host)
		}
	}
	return "", fmt.Errorf("failed to resolve %s: all %d public resolvers failed", host, failures)
}

func (r *Resolver) lookup(ctx context.Context, res *net.Resolver, host string) (string, error) {
	lookup := r.lookupHost
	if lookup == nil {
		lookup = func(ctx context.Context, res *net.Resolver, host string) ([]string, error) {
			return res.LookupHost(ctx, host)
		}
	}
	ips, err := lookup(ctx, res, host)
	if err != nil {
		return "", err
	}
	return preferIPv4(ips)
}

// viaServer returns a resolver pinned to one DNS server on port 53.
func viaServer(server string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := new(net.Dialer)
			return d.DialContext(ctx, network, net.JoinHostPort(trimBrackets(server), "53"))
		},
	}
}

func preferIPv4(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no IP addresses found")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

func (r *Resolver) localTimeout() time.Duration {
	if r.LocalTimeout > 0 {
		return r.LocalTimeout
	}
	return time.Second
}

func (r *Resolver) remoteTimeout() time.Duration {
	if r.RemoteTimeout > 0 {
		return r.RemoteTimeout
	}
	return 2 * time.Second
}
