package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

const maxRedirects = 10

type hostResolver func(ctx context.Context, host string) ([]net.IP, error)

func defaultResolver(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// validateDownloadURL accepts http(s) URLs whose host does not resolve to a
// loopback, private or link-local address, unless private hosts are allowed.
func (f *fetcher) validateDownloadURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("media URL has no host")
	}
	if f.config.AllowPrivateHosts {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("download host not allowed: %s", host)
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		ips, err = f.lookup(ctx, host)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", host, err)
		}
	}
	for _, ip := range ips {
		if isInternalIP(ip) {
			return fmt.Errorf("download host not allowed: %s", host)
		}
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

func (f *fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after too many redirects")
	}
	if err := f.validateDownloadURL(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect rejected: %w", err)
	}
	return nil
}

// refuseInternal runs on the resolved address right before connecting, so a
// host that re-resolves to an internal address after validation is refused.
func refuseInternal(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip == nil || isInternalIP(ip) {
		return fmt.Errorf("download address not allowed: %s", host)
	}
	return nil
}
