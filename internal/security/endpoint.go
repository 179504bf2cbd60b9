package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint is returned for callback URLs the server must not call.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata"}

// ValidateEndpointURL checks that a user-supplied callback URL is safe to
// request from the server: https only, and neither the literal host nor any
// address it resolves to may be loopback, private, link-local or
// unspecified. Run it on registration and again before each delivery, since
// DNS answers can change.
func ValidateEndpointURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed URL", ErrUnsafeEndpoint)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be https", ErrUnsafeEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeEndpoint)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeEndpoint)
	}
	return nil
}
