// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides hardened outbound HTTP plumbing. Webhook
// deliveries dial attacker-influenced URLs, so the client re-resolves the
// destination at dial time and refuses private, loopback, and link-local
// addresses unless explicitly allowed.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrPrivateIPAddress is returned when a destination resolves to a private,
// loopback, or link-local address.
var ErrPrivateIPAddress = errors.New("destination resolves to a private IP address")

// HTTPTimeout is the default timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the host:port address
// references a private IP. The check runs after DNS resolution, at dial time,
// so a hostname re-pointing at localhost between validation and delivery
// still gets caught.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return fmt.Errorf("%w: %s", ErrPrivateIPAddress, host)
	}
	return nil
}

// protectedDialerControl validates addresses prior to connection.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	clientTimeout time.Duration
	allowPrivate  bool
}

// NewHTTPClientBuilder creates a builder with default settings.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{clientTimeout: HTTPTimeout}
}

// WithTimeout sets the overall client timeout.
func (b *HTTPClientBuilder) WithTimeout(timeout time.Duration) *HTTPClientBuilder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// WithPrivateIPs allows connections to private IP addresses.
func (b *HTTPClientBuilder) WithPrivateIPs(allow bool) *HTTPClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build assembles the HTTP client.
func (b *HTTPClientBuilder) Build() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !b.allowPrivate {
		dialer.Control = protectedDialerControl
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: b.clientTimeout,
	}

	return &http.Client{
		Timeout:   b.clientTimeout,
		Transport: transport,
	}
}
