package source

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/timmy/sermontube/internal/domain"
)

// ValidateSermonURL checks that raw is an absolute http(s) URL that does not
// point at loopback, private or link-local addresses. Hostnames are not
// resolved.
func ValidateSermonURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: url must have a host", domain.ErrInvalidInput)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("%w: local hosts are not allowed", domain.ErrInvalidInput)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return nil, fmt.Errorf("%w: access to private networks is not allowed", domain.ErrInvalidInput)
		}
	}
	u.Fragment = ""
	return u, nil
}
