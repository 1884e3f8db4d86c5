package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// HostPort extracts the host:port listen address from a URL. A bare
// host:port string is accepted as-is.
func HostPort(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in url %q", rawURL)
	}
	return u.Host, nil
}
