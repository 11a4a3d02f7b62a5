package clients

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
)

// FetchKind selects the timeouts and size limits for a download.
type FetchKind int

const (
	FetchVideo FetchKind = iota
	FetchImage
)

const (
	videoFetchTimeout = 300 * time.Second
	imageFetchTimeout = 60 * time.Second

	minVideoBytes = 1024
	minImageBytes = 100
	maxImageBytes = 50 * 1024 * 1024
)

// Fetcher downloads remote media with the SSRF guard applied: scheme check,
// private/loopback/link-local denylist, and the configured host allowlist.
// The denylist is enforced again on the dialed address, so a hostname that
// resolves into a private range never produces a connection.
type Fetcher struct {
	AllowedDomains []string
	VerifyTLS      bool

	// test hook: permits loopback destinations so httptest servers work
	allowPrivate bool
}

func NewFetcher(allowedDomains []string, verifyTLS bool) *Fetcher {
	return &Fetcher{AllowedDomains: allowedDomains, VerifyTLS: verifyTLS}
}

// Download fetches rawURL into destPath, creating parent directories as
// needed. It follows a single 301/302 redirect, re-applying the guard to the
// redirect target.
func (f *Fetcher) Download(ctx context.Context, jobID, rawURL, destPath string, kind FetchKind) (int64, error) {
	if err := f.CheckURL(rawURL); err != nil {
		return 0, err
	}

	timeout := videoFetchTimeout
	if kind == FetchImage {
		timeout = imageFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, xerrors.E(xerrors.KindDownloadFailed, err)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		if xerrors.IsKind(err, xerrors.KindDownloadRejected) {
			return 0, err
		}
		return 0, xerrors.Ef(xerrors.KindDownloadFailed, "error fetching %s: %s", log.RedactURL(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := xerrors.Ef(xerrors.KindDownloadFailed, "bad status code fetching %s: %d", log.RedactURL(rawURL), resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			err = xerrors.Unretriable(err)
		}
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, xerrors.E(xerrors.KindInternalError, err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return 0, xerrors.E(xerrors.KindInternalError, err)
	}
	defer out.Close()

	var reader io.Reader = resp.Body
	if kind == FetchImage {
		reader = io.LimitReader(resp.Body, maxImageBytes+1)
	}
	written, err := io.Copy(out, reader)
	if err != nil {
		os.Remove(destPath)
		return 0, xerrors.Ef(xerrors.KindDownloadFailed, "error writing %s: %s", destPath, err)
	}

	if err := checkSize(written, kind); err != nil {
		os.Remove(destPath)
		return 0, err
	}

	log.Log(jobID, "downloaded remote media", "url", rawURL, "bytes", written, "dest", destPath)
	return written, nil
}

func checkSize(written int64, kind FetchKind) error {
	switch kind {
	case FetchVideo:
		if written < minVideoBytes {
			return xerrors.Ef(xerrors.KindDownloadFailed, "downloaded video suspiciously small: %d bytes", written)
		}
	case FetchImage:
		if written < minImageBytes {
			return xerrors.Ef(xerrors.KindDownloadFailed, "downloaded image suspiciously small: %d bytes", written)
		}
		if written > maxImageBytes {
			return xerrors.Ef(xerrors.KindDownloadFailed, "downloaded image exceeds %d bytes", int64(maxImageBytes))
		}
	}
	return nil
}

func (f *Fetcher) httpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: f.controlCheck,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	if !f.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- -no-verify-ssl-downloads opt-in
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// follow a single 301/302 hop, and only to a host that also
			// passes the guard
			if len(via) > 1 {
				return xerrors.Ef(xerrors.KindDownloadFailed, "too many redirects")
			}
			return f.CheckURL(req.URL.String())
		},
	}
}

// controlCheck runs just before the socket connects, catching DNS answers
// that point into denied ranges.
func (f *Fetcher) controlCheck(network, address string, c syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip != nil && ipDenied(ip) {
		return xerrors.Ef(xerrors.KindDownloadRejected, "refusing to connect to denied address %s", address)
	}
	return nil
}

// CheckURL validates the scheme and hostname against the SSRF guard and the
// configured allowlist without performing any I/O.
func (f *Fetcher) CheckURL(rawURL string) error {
	u, err := parseRequestURL(rawURL)
	if err != nil {
		return err
	}

	host := strings.ToLower(u.Hostname())
	if !f.allowPrivate && hostDenied(host) {
		return xerrors.Ef(xerrors.KindDownloadRejected, "host %q is in a denied range", host)
	}
	if !hostAllowed(host, f.AllowedDomains) {
		return xerrors.Ef(xerrors.KindDownloadRejected, "host %q is not in the download allowlist", host)
	}
	return nil
}

func parseRequestURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Ef(xerrors.KindDownloadRejected, "invalid url %q: %s", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Ef(xerrors.KindDownloadRejected, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, xerrors.Ef(xerrors.KindDownloadRejected, "url %q has no host", rawURL)
	}
	return u, nil
}

// hostDenied rejects loopback, private, link-local and internal-looking
// hostnames regardless of the allowlist.
func hostDenied(host string) bool {
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	if strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ipDenied(ip)
	}
	return false
}

func ipDenied(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// hostAllowed implements the allowlist matching: "*" matches anything,
// "*.suffix" matches suffix itself or any subdomain of it, anything else is
// an exact match.
func hostAllowed(host string, allowed []string) bool {
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			suffix := strings.TrimPrefix(pattern, "*.")
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		case host == pattern:
			return true
		}
	}
	return false
}
